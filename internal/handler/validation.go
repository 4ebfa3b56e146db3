package handler

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/readtrack/internal/model"
)

// requestValidator はvalidator/v10でリクエストDTOを検証し、APIErrorに変換する。
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// エラーメッセージにはJSONのフィールド名を使う
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	return &requestValidator{v: v}
}

// Validate は構造体を検証し、失敗時はINVALID_REQUESTのAPIErrorを返す。
func (rv *requestValidator) Validate(s any) error {
	err := rv.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fe.Field()+": "+friendlyMessage(fe))
	}
	sort.Strings(msgs)
	return model.NewInvalidRequestError(strings.Join(msgs, ", "))
}

func friendlyMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必須です"
	case "email":
		return "メールアドレスの形式で指定してください"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s文字以上で指定してください", fe.Param())
		}
		return fmt.Sprintf("%s以上で指定してください", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s文字以下で指定してください", fe.Param())
		}
		return fmt.Sprintf("%s以下で指定してください", fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s以上で指定してください", fe.Param())
	default:
		return "不正な値です"
	}
}
