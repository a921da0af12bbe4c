package worker

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Endpoint 是服务监听的地址。
type Endpoint struct {
	Host string
	Port int
}

// HostPort 返回 host:port 形式。
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL 返回 http 基础地址。
func (e Endpoint) URL() string {
	return "http://" + e.HostPort()
}

// AddressPicker 选择一个新的监听地址。
type AddressPicker func(ctx context.Context) (Endpoint, error)

// FreePortPicker 返回一个在 host 上选择空闲端口的 AddressPicker。
func FreePortPicker(host string) AddressPicker {
	return func(ctx context.Context) (Endpoint, error) {
		port, err := FreePort(host)
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Host: host, Port: port}, nil
	}
}

// FreePort 让内核分配一个空闲端口后立即释放。
func FreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("pick free port on %s: %w", host, err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
