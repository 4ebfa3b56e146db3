package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/readtrack/internal/metrics"
	"github.com/hitoshi/readtrack/internal/middleware"
	"github.com/hitoshi/readtrack/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	TokenParser       middleware.TokenParser
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// サービス
	AuthService    AuthServiceInterface
	UserService    UserServiceInterface
	ReadingService ReadingServiceInterface
	BookService    BookServiceInterface

	// ヘルスチェックとメトリクス
	DB       Pinger
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → ルート
//
// 認証が必要なグループでは Auth → (RequireRole) → RateLimit の順に適用する。
// 認証なしの送信エンドポイントはクライアントIP単位でレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewInvalidRequestError("存在しないエンドポイントです"))
	})

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	bookHandler := NewBookHandler(deps.ReadingService, deps.BookService)

	rl := deps.RateLimiter
	auth := middleware.NewAuthMiddleware(deps.TokenParser)

	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		// --- 認証不要のルート ---
		r.With(rl.GeneralMiddleware()).Post("/auth/login", authHandler.Login)
		r.With(rl.GeneralMiddleware()).Get("/book/most-recommended-five-books", bookHandler.MostRecommendedFiveBooks)
		r.With(rl.SubmitMiddleware()).Post("/book/submit-interval", bookHandler.SubmitInterval)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.With(rl.GeneralMiddleware()).Get("/users/profile", userHandler.Profile)
			r.With(rl.SubmitMiddleware()).Post("/book/submit-interval-by-auth-user", bookHandler.SubmitIntervalByAuthUser)

			// 管理者のみ
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleAdmin))
				r.Use(rl.GeneralMiddleware())

				r.Post("/book/store-book-by-admin-user", bookHandler.StoreBook)
				r.Put("/book/update-book-by-admin-user/{id}", bookHandler.UpdateBook)
			})
		})
	})

	return r
}
