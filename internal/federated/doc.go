// Package federated 实现联邦学习协调器：按周期收集各智能体的本地模型槽位，
// 叠加拉普拉斯差分隐私噪声后逐元素平均，并把新的全局模型下发回每个本地槽位。
//
// 协调器在一轮进行期间独占全局槽位；外部只能读取最近一轮完成后的快照。
package federated
