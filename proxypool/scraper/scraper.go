package scraper

import "context"

// Scraper 接口定义了从远程代理源抓取代理地址的行为。
type Scraper interface {
	// Scrape 只负责抓取和初步解析，返回 http(s) 代理 URL，不做连通性验证。
	Scrape(ctx context.Context) ([]string, error)

	// Name 返回抓取器的名称，用于日志记录和 addedBy 标记。
	Name() string
}
