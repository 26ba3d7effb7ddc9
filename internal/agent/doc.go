// Package agent 定义国库决策智能体。
//
// 四种智能体（Trader、Compliance、Supervisor、Advisor）各自实现 Agent 接口，
// 通过组合共享同一条决策流水线：推理 → 草稿 → 偏差闸门 → 安全策略 → 证明。
// Registry 负责智能体的生命周期状态，并作为联邦学习的参与者来源。
package agent
