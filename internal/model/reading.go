package model

import "time"

// IntervalSubmission は受け付けた読書区間の生データを表す。
// 区間の内容は作成後に変わらない。EnqueuedAtとRequeueCountは投入ごとに、
// AggregatedAtは集計ワーカーのコミット時に記録される。
type IntervalSubmission struct {
	ID           string
	UserID       int64
	BookID       int64
	StartPage    int
	EndPage      int
	SubmittedAt  time.Time
	EnqueuedAt   *time.Time
	AggregatedAt *time.Time
	RequeueCount int
}

// CoverageFact は「ユーザーがある本のあるページを少なくとも1回読んだ」事実を表す。
// (UserID, BookID, PageNumber) で一意。
type CoverageFact struct {
	UserID     int64
	BookID     int64
	PageNumber int
	CreatedAt  time.Time
}

// AggregationJob はキューを流れる集計ジョブのペイロード。
// SubmissionIDはメッセージUUIDとしても使い、再投入時の重複排除キーになる。
type AggregationJob struct {
	SubmissionID string    `json:"submission_id"`
	UserID       int64     `json:"user_id"`
	BookID       int64     `json:"book_id"`
	StartPage    int       `json:"start_page"`
	EndPage      int       `json:"end_page"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// JobFromSubmission は読書区間から集計ジョブを組み立てる。
func JobFromSubmission(s *IntervalSubmission) AggregationJob {
	return AggregationJob{
		SubmissionID: s.ID,
		UserID:       s.UserID,
		BookID:       s.BookID,
		StartPage:    s.StartPage,
		EndPage:      s.EndPage,
		SubmittedAt:  s.SubmittedAt,
	}
}

// Pages は区間 [StartPage, EndPage] を明示的なページ番号の集合に展開する。
// 区間が不正な場合やMaxNumOfPagesを超える場合はnilを返す。
// 本の総ページ数との照合は呼び出し側で展開前に行う。
func (j AggregationJob) Pages() []int {
	if j.StartPage < 1 || j.EndPage < j.StartPage || j.EndPage > MaxNumOfPages {
		return nil
	}
	pages := make([]int, 0, j.EndPage-j.StartPage+1)
	for p := j.StartPage; p <= j.EndPage; p++ {
		pages = append(pages, p)
	}
	return pages
}

// AggregateResult は1ジョブの集計結果を表す。
type AggregateResult struct {
	BookID          int64
	UniqueReadPages int
	NumOfPages      int
	InsertedPages   int64
	AggregatedAt    time.Time
}
