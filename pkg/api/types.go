package api

// Read-only snapshots of the processing unit pool for presentation layers.

type KindStats struct {
	Kind         string  `json:"kind" yaml:"kind"`
	Submitted    int64   `json:"submitted" yaml:"submitted"`
	Completed    int64   `json:"completed" yaml:"completed"`
	Failed       int64   `json:"failed" yaml:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms" yaml:"avg_latency_ms"`
}

type Unit struct {
	ID       int         `json:"id" yaml:"id"`
	Type     string      `json:"type" yaml:"type"`
	Status   string      `json:"status" yaml:"status"`
	Address  string      `json:"address,omitempty" yaml:"address,omitempty"`
	Label    string      `json:"label,omitempty" yaml:"label,omitempty"`
	Mask     string      `json:"mask" yaml:"mask"`
	Capacity int         `json:"capacity" yaml:"capacity"`
	Stats    []KindStats `json:"stats" yaml:"stats"`
}

type TaskCounts struct {
	Todo       int `json:"todo" yaml:"todo"`
	InProgress int `json:"in_progress" yaml:"in_progress"`
	Done       int `json:"done" yaml:"done"`
	Size       int `json:"size" yaml:"size"`
}

type Mode string

const (
	ModeMaster Mode = "master"
	ModeSlave  Mode = "slave"
)
