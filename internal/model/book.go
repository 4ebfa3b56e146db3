package model

import "time"

// MaxNumOfPages は1冊あたりの総ページ数の上限。
// 集計ジョブはページ単位に展開されるため、区間の大きさもこの値で抑えられる。
const MaxNumOfPages = 100000

// Book はカタログ上の本と、その集計値を表す。
// UniqueReadPagesは集計ワーカーのみが更新する派生値で、0 <= UniqueReadPages <= NumOfPages を満たす。
type Book struct {
	ID               int64
	Name             string
	NumOfPages       int
	UniqueReadPages  int
	LastAggregatedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BookAggregateView はおすすめランキングで返す読み取り専用の射影。
type BookAggregateView struct {
	BookID          int64  `json:"book_id"`
	BookName        string `json:"book_name"`
	NumOfPages      int    `json:"num_of_pages"`
	UniqueReadPages int    `json:"num_of_read_pages"`
}
