// Package worker 实现工作节点的生命周期控制器。
//
// 控制器是一个显式的状态机：Starting → Registering → Live → Draining →
// Terminated。它在新选择的地址上启动底层服务，向网关注册，按
// RenewInterval 续约租约，在收到终止信号或达到 MaxLifetime 时进入
// Draining，等待在途请求完成后注销并停止服务。Supervisor 负责在
// Terminated 之后冷却并以新地址重新进入 Starting。
package worker
