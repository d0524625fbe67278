package device

import "context"

// Provider 返回当前在线设备的端口标识（如 COM3、ttyUSB0）。
// 每次调用都必须返回完整的当前集合，而不是增量。
type Provider interface {
	ListDevices(ctx context.Context) ([]string, error)
}

// ProviderFunc 将普通函数适配为 Provider。
type ProviderFunc func(ctx context.Context) ([]string, error)

// ListDevices implements Provider.
func (f ProviderFunc) ListDevices(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// EventType 区分设备接入与移除。
type EventType string

const (
	EventArrival EventType = "arrival"
	EventRemoval EventType = "removal"
)

// Listener 接收设备边沿事件，在监控循环所在的 goroutine 中同步调用。
type Listener func(port string)
