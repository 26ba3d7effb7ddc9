// Package api 通过 gin 暴露只读查询、智能体生命周期控制、遗忘请求、证明校验
// 以及基于 WebSocket 的事件流接口。
package api
