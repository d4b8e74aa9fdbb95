package model

// Chart 图表定义（按 ID upsert）
type Chart struct {
	ID     string        `json:"id"`
	Sheet  string        `json:"sheet"`
	Type   string        `json:"type"`
	Title  string        `json:"title"`
	Anchor string        `json:"anchor"`
	Series []ChartSeries `json:"series"`
}

// ChartSeries 图表数据系列
type ChartSeries struct {
	Name       string `json:"name"`
	Categories string `json:"categories"`
	Values     string `json:"values"`
}
