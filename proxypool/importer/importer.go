package importer

import (
	"bufio"
	"sort"
	"strconv"
	"strings"

	"linkguard/internal/shared/logger"
	"linkguard/internal/shared/urlutil"
	"linkguard/proxypool/registry"
)

// Importer 解析粘贴的代理列表并写入注册表。
// 去重分两级：先在批次内部（首次出现者保留），再交给注册表与已有记录比较。
type Importer struct {
	registry *registry.Registry
}

func NewImporter(reg *registry.Registry) *Importer {
	return &Importer{registry: reg}
}

// Import handles one newline separated list. Blank lines and lines starting
// with '#' are ignored. Line numbers in the result are 1-based and refer to
// the raw input, ignored lines included.
func (im *Importer) Import(raw, addedBy string) (registry.BulkResult, error) {
	l := logger.WithComponent("ProxyPool/Importer")

	res := registry.NewBulkResult()
	items := make([]registry.BulkItem, 0)
	firstSeen := make(map[string]int)

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := urlutil.ParseHTTP(line); err != nil {
			res.Errors = append(res.Errors, registry.ItemError{Line: lineNo, Input: line, Message: err.Error()})
			continue
		}
		norm, err := urlutil.NormalizeOrigin(line)
		if err != nil {
			res.Errors = append(res.Errors, registry.ItemError{Line: lineNo, Input: line, Message: err.Error()})
			continue
		}
		if first, dup := firstSeen[norm]; dup {
			res.Skipped = append(res.Skipped, registry.Skipped{
				Line:   lineNo,
				URL:    norm,
				Reason: "duplicate of line " + strconv.Itoa(first),
			})
			continue
		}
		firstSeen[norm] = lineNo
		items = append(items, registry.BulkItem{Line: lineNo, URL: norm})
	}
	if err := sc.Err(); err != nil {
		return res, err
	}

	added, err := im.registry.BulkAdd(items, addedBy)
	res.Added = append(res.Added, added.Added...)
	res.Skipped = append(res.Skipped, added.Skipped...)
	res.Errors = append(res.Errors, added.Errors...)

	sort.SliceStable(res.Skipped, func(i, j int) bool { return res.Skipped[i].Line < res.Skipped[j].Line })
	sort.SliceStable(res.Errors, func(i, j int) bool { return res.Errors[i].Line < res.Errors[j].Line })

	l.Info().
		Str("added_by", addedBy).
		Int("lines", lineNo).
		Int("added", len(res.Added)).
		Int("skipped", len(res.Skipped)).
		Int("errors", len(res.Errors)).
		Msg("Proxy list imported.")
	return res, err
}

// ImportURLs is used by scrapers, which already hold one URL per entry.
func (im *Importer) ImportURLs(urls []string, addedBy string) (registry.BulkResult, error) {
	return im.Import(strings.Join(urls, "\n"), addedBy)
}
