package models

import "time"

// User 表示已认证的操作员账户。
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NetworkTarget 表示一个待扫描的网段，以 CIDR 作为唯一标识。
type NetworkTarget struct {
	Name string `json:"name"`
	CIDR string `json:"cidr"`
}

// Device 表示一次扫描中某个地址的探测结果。
// 可选字段在无法获取时为 nil。
type Device struct {
	IP            string    `json:"ip"`
	MAC           *string   `json:"mac"`
	Iface         *string   `json:"iface"`
	NeighborState *string   `json:"neighborState"`
	Hostname      *string   `json:"hostname"`
	Reachable     bool      `json:"reachable"`
	ProbedAt      time.Time `json:"probedAt"`
}

// Seen 报告设备是否可达或出现在邻居表中。
func (d Device) Seen() bool {
	return d.Reachable || d.MAC != nil
}

// ScanResult 关联一个网段及其有序的设备列表。
type ScanResult struct {
	Target  NetworkTarget `json:"target"`
	Devices []Device      `json:"devices"`
}

// Monitor 是配置文件中需要定期 ping 的主机。
type Monitor struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// PingResult 记录一次监控 ping 的结果。
type PingResult struct {
	ID        int64     `json:"id,omitempty"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	OK        bool      `json:"ok"`
	RTTMillis *float64  `json:"rtt_ms"`
	Raw       string    `json:"raw,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"timestamp"`
}

// DeviceRecord 是持久化的设备清单条目。
type DeviceRecord struct {
	Network   string    `json:"network"`
	IP        string    `json:"ip"`
	MAC       string    `json:"mac,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	Iface     string    `json:"iface,omitempty"`
	State     string    `json:"state,omitempty"`
	Reachable bool      `json:"reachable"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// ScanRun 汇总一次完整的刷新过程。
type ScanRun struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Networks   int       `json:"networks"`
	Devices    int       `json:"devices"`
	Reachable  int       `json:"reachable"`
}

// HostMetric 是一条主机指标采样。
type HostMetric struct {
	ID        int64     `json:"id,omitempty"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// 邻居表状态之外的设备分组标签。
const (
	StateReachable   = "reachable"
	StateUnreachable = "unreachable"
)
