package knowledge

// DefaultSnippets 返回内置处置条目。
func DefaultSnippets() []Snippet {
	return []Snippet{
		{Topic: "performance", Title: "响应超时", Keywords: []string{"latency", "degraded"},
			Content: "降低推理模型复杂度或提高推理超时，并排查降级决策比例"},
		{Topic: "performance", Title: "表现不佳",
			Content: "回放最近决策，重新训练本地模型并在下一联邦轮次后复核成功率"},
		{Topic: "security", Title: "频繁升级",
			Content: "收紧该智能体的风险敞口上限，升级决策须经人工签核"},
		{Topic: "bias", Title: "偏差偏高",
			Content: "对证据样本执行数据遗忘，并在下一轮联邦聚合后重新评估"},
		{Topic: "compliance", Title: "合规分偏低",
			Content: "暂停大额调仓，由合规智能体复核近期决策的合规评分"},

		{Topic: "confirmation", Title: "确认偏差",
			Content: "在风险指标变化时强制重新评估方向，避免连续重复同一操作"},
		{Topic: "anchoring", Title: "锚定效应",
			Content: "以最新风险评分替代历史基准，定期重置参考价位"},
		{Topic: "recency", Title: "近因偏差",
			Content: "拉长观察窗口，对短期波动信号做平滑处理"},
		{Topic: "herding", Title: "羊群效应",
			Content: "引入独立信号源，限制多个智能体在同一节拍采取相同动作"},
		{Topic: "overconfidence", Title: "过度自信",
			Content: "按波动率对置信度做上限约束，并校准推理输出"},
		{Topic: "loss_aversion", Title: "损失厌恶",
			Content: "低风险环境下复核长期持有或对冲的必要性，释放闲置资金"},
	}
}
