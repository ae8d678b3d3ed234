package models

import "time"

// FetchTask identifies one logical fetch against the upstream source.
type FetchTask struct {
	ID      string `json:"id"`
	Locator string `json:"locator,omitempty"` // canonical profile URL, if known
	Cursor  string `json:"cursor,omitempty"`
}

// Profile is the raw account payload returned by the upstream source
type Profile struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Nickname       string `json:"nickname"`
	Signature      string `json:"signature"`
	FollowerCount  int64  `json:"follower_count"`
	FollowingCount int64  `json:"following_count"`
	HeartCount     int64  `json:"heart_count"`
	VideoCount     int64  `json:"video_count"`
}

// ItemStats holds the engagement counters of a content item
type ItemStats struct {
	LikeCount    int64 `json:"like_count"`
	CommentCount int64 `json:"comment_count"`
	ViewCount    int64 `json:"view_count"`
	ShareCount   int64 `json:"share_count"`
}

// Item is a raw content item listed for an account
type Item struct {
	ID         string    `json:"id"`
	Desc       string    `json:"desc"`
	CreateTime int64     `json:"create_time"` // unix seconds
	Statistics ItemStats `json:"statistics"`
}

// AccountFetch is what one account fetch task produces.
type AccountFetch struct {
	Profile Profile
	Items   []Item
}

// Account is the persisted form of a profile
type Account struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"display_name"`
	Bio            string    `json:"bio"`
	FollowerCount  int64     `json:"follower_count"`
	FollowingCount int64     `json:"following_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Video is the persisted form of a content item
type Video struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Caption      string    `json:"caption"`
	CreateTime   time.Time `json:"create_time"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	ViewCount    int64     `json:"view_count"`
	ShareCount   int64     `json:"share_count"`
	CollectedAt  time.Time `json:"collected_at"`
}

// VideoMetricsHourly is an append-only engagement snapshot, one per video per hour
type VideoMetricsHourly struct {
	VideoID      string    `json:"video_id"`
	Hour         time.Time `json:"hour"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	ViewCount    int64     `json:"view_count"`
	ShareCount   int64     `json:"share_count"`
	CollectedAt  time.Time `json:"collected_at"`
}

// OrderRow is one unvalidated row of the orders sheet
type OrderRow struct {
	Line       int
	Name       string
	Source     string
	OrderDate  string
	Amount     string
	Subjects   string
	CourseName string
	Duration   string
}

// CourseKey is the natural key of a course: the same course name under two
// subjects is two courses.
type CourseKey struct {
	Name    string
	Subject string
}

// Order is a normalized fact row ready for loading
type Order struct {
	Key           string    `json:"order_key"`
	CustomerName  string    `json:"customer_name"`
	Channel       string    `json:"channel"`
	CourseID      *int64    `json:"course_id"`
	PackageID     *int64    `json:"package_id"`
	OrderDate     time.Time `json:"order_date"`
	Amount        float64   `json:"amount"`
	PaymentStatus string    `json:"payment_status"`
}

// IngestionStatus tracks the status of ingestion runs
type IngestionStatus struct {
	RunID             string    `json:"run_id"`
	LastSuccessfulRun time.Time `json:"last_successful_run"`
	LastAttempt       time.Time `json:"last_attempt"`
	Status            string    `json:"status"` // "success", "failure", "running", "never_run"
	ErrorMessage      string    `json:"error_message,omitempty"`
	RecordsIngested   int       `json:"records_ingested"`
}

// RunReport summarizes one pipeline run for operators.
type RunReport struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Fetched        int           `json:"fetched"`
	Skipped        int           `json:"skipped"`
	FetchFailed    int           `json:"fetch_failed"`
	Accounts       int           `json:"accounts"`
	Videos         int           `json:"videos"`
	Snapshots      int           `json:"snapshots"`
	OrdersWritten  int           `json:"orders_written"`
	OrdersFailed   int           `json:"orders_failed"`
	Batches        int           `json:"batches"`
	RecordsPerSec  float64       `json:"records_per_second"`
	CheckpointSave string        `json:"checkpoint_save,omitempty"`
}
