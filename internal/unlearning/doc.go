// Package unlearning 处理针对智能体本地训练样本的遗忘请求。
//
// 请求先写入存储并投递到队列，由工作协程异步执行：从智能体样本集中移除
// 指定哈希、生成移除证明并估算成本。单个请求失败后最多重试一次，第二次
// 失败即标记为 failed 并发出告警，不再重试。
package unlearning
