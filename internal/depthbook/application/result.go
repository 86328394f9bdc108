package application

// ResultStatus 命令应用结果
type ResultStatus string

const (
	ResultApplied  ResultStatus = "applied"
	ResultNotFound ResultStatus = "not_found"
	ResultRejected ResultStatus = "rejected"
)

// Result 单条命令被消费者应用后的结果。NotFound 不是错误。
type Result struct {
	Status       ResultStatus `json:"status"`
	Sequence     uint64       `json:"sequence,omitempty"`
	LevelRemoved bool         `json:"level_removed,omitempty"`
	Replaced     bool         `json:"replaced,omitempty"`
	Err          error        `json:"-"`
}

func (r Result) Applied() bool { return r.Status == ResultApplied }

// Stats 引擎运行计数
type Stats struct {
	Markets       int    `json:"markets"`
	Lanes         int    `json:"lanes"`
	QueueLen      int    `json:"queue_len"`
	QueueCapacity int    `json:"queue_capacity"`
	Applied       uint64 `json:"applied"`
	NotFound      uint64 `json:"not_found"`
	Rejected      uint64 `json:"rejected"`
	Discarded     uint64 `json:"discarded"`
	SinkPanics    uint64 `json:"sink_panics"`
	Accepting     bool   `json:"accepting"`
}
