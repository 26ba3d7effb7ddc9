// Package inference 抽象智能体决策所用的模型推理能力。
//
// 默认的 HeuristicProvider 在本地以 logistic 打分完成推理，可选的 openai
// 子包通过 Chat Completions 接口获取结构化建议。调用方负责为每次推理设置超时，
// 超时或失败时由智能体流水线降级处理。
package inference
