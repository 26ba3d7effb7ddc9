// Package supervisor 实现决策安全策略与周期性审计。
//
// Policy 在证明之前检查每份决策草稿，未通过的草稿被标记为 ESCALATE 并折扣置信度；
// Auditor 按周期为每个智能体计算综合评分、执行全系统偏差扫描，并为受影响的
// 智能体提交数据遗忘请求。
package supervisor
