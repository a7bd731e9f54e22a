package db

import (
	"time"

	"gorm.io/datatypes"
)

// Job maps pulse.jobs. One unit of scoring work.
//
// Status machine: pending -> processing -> completed | retry | failed.
// retry becomes claimable again once scheduled_for passes; completed and
// failed are terminal.
type Job struct {
	JobID        int64             `gorm:"column:job_id;primaryKey;autoIncrement"`
	JobUUID      string            `gorm:"column:job_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	JobType      string            `gorm:"column:job_type;type:text;not null"`
	UserID       int64             `gorm:"column:user_id;type:bigint;not null"`
	Payload      datatypes.JSONMap `gorm:"column:payload;type:jsonb"`
	Status       string            `gorm:"column:status;type:text;not null;default:pending"`
	Priority     int               `gorm:"column:priority;type:integer;not null;default:100"`
	Attempts     int               `gorm:"column:attempts;type:integer;not null;default:0"`
	MaxAttempts  int               `gorm:"column:max_attempts;type:integer;not null;default:3"`
	ScheduledFor time.Time         `gorm:"column:scheduled_for;type:timestamptz;not null;default:now()"`
	StartedAt    *time.Time        `gorm:"column:started_at;type:timestamptz"`
	HeartbeatAt  *time.Time        `gorm:"column:heartbeat_at;type:timestamptz"`
	CompletedAt  *time.Time        `gorm:"column:completed_at;type:timestamptz"`
	ClaimedBy    *string           `gorm:"column:claimed_by;type:text"`
	LastError    *string           `gorm:"column:last_error;type:text"`
	RunID        *int64            `gorm:"column:run_id;type:bigint"`
	CreatedAt    time.Time         `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt    time.Time         `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Job) TableName() string { return "pulse.jobs" }

// BatchRun maps pulse.batch_runs. One scheduler invocation.
type BatchRun struct {
	RunID           int64          `gorm:"column:run_id;primaryKey;autoIncrement"`
	RunUUID         string         `gorm:"column:run_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	RunType         string         `gorm:"column:run_type;type:text;not null"`
	Status          string         `gorm:"column:status;type:text;not null;default:running"`
	StartedAt       time.Time      `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	CompletedAt     *time.Time     `gorm:"column:completed_at;type:timestamptz"`
	TotalJobs       int            `gorm:"column:total_jobs;type:integer;not null;default:0"`
	CompletedJobs   int            `gorm:"column:completed_jobs;type:integer;not null;default:0"`
	FailedJobs      int            `gorm:"column:failed_jobs;type:integer;not null;default:0"`
	TokensUsed      int64          `gorm:"column:tokens_used;type:bigint;not null;default:0"`
	APICostCents    int64          `gorm:"column:api_cost_cents;type:bigint;not null;default:0"`
	DurationSeconds *float64       `gorm:"column:duration_seconds;type:double precision"`
	ErrorLog        datatypes.JSON `gorm:"column:error_log;type:jsonb;not null;default:'[]'"`
	CreatedAt       time.Time      `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (BatchRun) TableName() string { return "pulse.batch_runs" }

// BehavioralSnapshot maps pulse.behavioral_snapshots. One user's rolled-up
// activity metrics for a tracking period, plus the derived z-score vector
// and uniqueness score once computed.
type BehavioralSnapshot struct {
	SnapshotID      int64             `gorm:"column:snapshot_id;primaryKey;autoIncrement"`
	SnapshotUUID    string            `gorm:"column:snapshot_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	UserID          int64             `gorm:"column:user_id;type:bigint;not null"`
	PeriodStart     time.Time         `gorm:"column:period_start;type:date;not null"`
	DaysActive      int               `gorm:"column:days_active;type:integer;not null;default:0"`
	Metrics         datatypes.JSONMap `gorm:"column:metrics;type:jsonb;not null"`
	ZScores         datatypes.JSONMap `gorm:"column:z_scores;type:jsonb"`
	UniquenessScore *int              `gorm:"column:uniqueness_score;type:integer"`
	ComputedAt      *time.Time        `gorm:"column:computed_at;type:timestamptz"`
	CreatedAt       time.Time         `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time         `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (BehavioralSnapshot) TableName() string { return "pulse.behavioral_snapshots" }

// PopulationStatistic maps pulse.population_statistics. Per-metric mean and
// population standard deviation, recomputed periodically.
type PopulationStatistic struct {
	Metric     string    `gorm:"column:metric;type:text;primaryKey"`
	Mean       float64   `gorm:"column:mean;type:double precision;not null"`
	StdDev     float64   `gorm:"column:std_dev;type:double precision;not null"`
	SampleSize int       `gorm:"column:sample_size;type:integer;not null"`
	ComputedAt time.Time `gorm:"column:computed_at;type:timestamptz;not null;default:now()"`
}

func (PopulationStatistic) TableName() string { return "pulse.population_statistics" }

// ContentItem maps pulse.content_items. User-authored content; the body plus
// attached insight texts feed embedding generation.
type ContentItem struct {
	ContentID    int64          `gorm:"column:content_id;primaryKey;autoIncrement"`
	ContentUUID  string         `gorm:"column:content_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	UserID       int64          `gorm:"column:user_id;type:bigint;not null"`
	Body         string         `gorm:"column:body;type:text;not null"`
	InsightTexts datatypes.JSON `gorm:"column:insight_texts;type:jsonb"`
	DeletedAt    *time.Time     `gorm:"column:deleted_at;type:timestamptz"`
	CreatedAt    time.Time      `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ContentItem) TableName() string { return "pulse.content_items" }

// ContentEmbedding maps pulse.content_embeddings. Generated once per
// (content, model, version) and reused.
type ContentEmbedding struct {
	ContentEmbeddingID int64     `gorm:"column:content_embedding_id;primaryKey;autoIncrement"`
	ContentID          int64     `gorm:"column:content_id;type:bigint;not null"`
	ModelName          string    `gorm:"column:model_name;type:text;not null"`
	ModelVersion       string    `gorm:"column:model_version;type:text;not null"`
	Embedding          string    `gorm:"column:embedding;type:vector(1536);not null"`
	EmbeddedAt         time.Time `gorm:"column:embedded_at;type:timestamptz;not null;default:now()"`
	ServiceEndpoint    string    `gorm:"column:service_endpoint;type:text;not null"`
}

func (ContentEmbedding) TableName() string { return "pulse.content_embeddings" }

// SimilarityCacheEntry maps pulse.similarity_cache. Per-user originality
// statistics with a validity window; content mutations push valid_until to
// now.
type SimilarityCacheEntry struct {
	UserID               int64     `gorm:"column:user_id;type:bigint;primaryKey"`
	OriginalityScore     int       `gorm:"column:originality_score;type:integer;not null"`
	AvgSimilarity        float64   `gorm:"column:avg_similarity;type:double precision;not null"`
	MinSimilarity        float64   `gorm:"column:min_similarity;type:double precision;not null"`
	MaxSimilarity        float64   `gorm:"column:max_similarity;type:double precision;not null"`
	ContentCount         int       `gorm:"column:content_count;type:integer;not null"`
	PopulationSampleSize int       `gorm:"column:population_sample_size;type:integer;not null"`
	ValidUntil           time.Time `gorm:"column:valid_until;type:timestamptz;not null"`
	ComputedAt           time.Time `gorm:"column:computed_at;type:timestamptz;not null;default:now()"`
	UpdatedAt            time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (SimilarityCacheEntry) TableName() string { return "pulse.similarity_cache" }

// WeeklyMatch maps pulse.weekly_matches. The triple
// (user_id, match_user_id, week_start) is unique; rank runs 1..N with no
// gaps and is unique per (user_id, week_start).
type WeeklyMatch struct {
	WeeklyMatchID        int64             `gorm:"column:weekly_match_id;primaryKey;autoIncrement"`
	WeeklyMatchUUID      string            `gorm:"column:weekly_match_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	UserID               int64             `gorm:"column:user_id;type:bigint;not null"`
	MatchUserID          int64             `gorm:"column:match_user_id;type:bigint;not null"`
	WeekStart            time.Time         `gorm:"column:week_start;type:date;not null"`
	Score                float64           `gorm:"column:score;type:double precision;not null"`
	Rank                 int               `gorm:"column:rank;type:integer;not null"`
	CompatibilityFactors datatypes.JSONMap `gorm:"column:compatibility_factors;type:jsonb"`
	CreatedAt            time.Time         `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (WeeklyMatch) TableName() string { return "pulse.weekly_matches" }

func autoMigrateModels() []any {
	return []any{
		&Job{},
		&BatchRun{},
		&BehavioralSnapshot{},
		&PopulationStatistic{},
		&ContentItem{},
		&ContentEmbedding{},
		&SimilarityCacheEntry{},
		&WeeklyMatch{},
	}
}
