// Package queue は集計ジョブの投入と購読をwatermillで抽象化する。
// 配信保証はat-least-onceで、同じジョブが複数回届くことがある。
package queue

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"

	"github.com/hitoshi/readtrack/internal/model"
)

// メッセージメタデータのキー
const (
	MetadataBookID = "book_id"
	MetadataUserID = "user_id"
)

// ErrMalformedJob はメッセージのペイロードを集計ジョブとして解釈できない場合に返る。
// 再試行しても解消しないため、呼び出し側は恒久エラーとして扱う。
var ErrMalformedJob = errors.New("malformed aggregation job")

// EncodeJob は集計ジョブをwatermillメッセージに変換する。
// メッセージUUIDには送信IDを使い、NATS側の重複排除キーにする。
func EncodeJob(job model.AggregationJob) (*message.Message, error) {
	if job.SubmissionID == "" {
		return nil, fmt.Errorf("%w: submission id is empty", ErrMalformedJob)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal aggregation job: %w", err)
	}

	msg := message.NewMessage(job.SubmissionID, payload)
	msg.Metadata.Set(MetadataBookID, strconv.FormatInt(job.BookID, 10))
	msg.Metadata.Set(MetadataUserID, strconv.FormatInt(job.UserID, 10))
	return msg, nil
}

// DecodeJob はwatermillメッセージから集計ジョブを取り出す。
// ペイロードが壊れている、または必須項目が欠けている場合はErrMalformedJobを返す。
func DecodeJob(msg *message.Message) (model.AggregationJob, error) {
	var job model.AggregationJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return job, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.BookID <= 0 || job.UserID <= 0 {
		return job, fmt.Errorf("%w: book_id=%d user_id=%d", ErrMalformedJob, job.BookID, job.UserID)
	}
	if job.SubmissionID == "" {
		job.SubmissionID = msg.UUID
	}
	return job, nil
}
