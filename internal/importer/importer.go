// Package importer はYAMLファイルからブックマークを一括登録する。
//
// 対応する形式は2つ。
//
//	# フラットなリスト
//	- title: Go
//	  url: go.dev
//
//	# Homepageのbookmarks.yaml
//	- Developer:
//	    - Github:
//	        - abbr: GH
//	          href: https://github.com/
package importer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/smartmark/internal/bookmarklist"
	"github.com/hitoshi/smartmark/internal/model"
)

// Entry は取り込み対象のブックマーク1件。
type Entry struct {
	Title    string
	URL      string
	Category string
}

// flatEntry はフラット形式の1件。
type flatEntry struct {
	Title string `yaml:"title"`
	URL   string `yaml:"url"`
}

// homepageEntry はHomepage形式のブックマーク定義。
type homepageEntry struct {
	Icon string `yaml:"icon"`
	Abbr string `yaml:"abbr"`
	Href string `yaml:"href"`
}

// templateVariable はHomepageのテンプレート変数 {{HOMEPAGE_VAR_...}}。
var templateVariable = regexp.MustCompile(`\{\{[^}]+\}\}`)

// templatePlaceholder はYAMLとして読めるようテンプレート変数を置き換える目印。
// 目印を含む値は展開できないため空として扱う。
const templatePlaceholder = "SMARTMARK_UNRESOLVED_TEMPLATE_VARIABLE"

// Load はファイルを読み込んでParseする。
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bookmarks file: %w", err)
	}
	return Parse(data)
}

// Parse はYAMLを解析する。フラット形式として読めない場合はHomepage形式として読む。
// 結果はファイルに書かれた順に並ぶ。
// タイトルかURLが空の項目、テンプレート変数を含む項目は除外する。
func Parse(data []byte) ([]Entry, error) {
	data = templateVariable.ReplaceAll(data, []byte(templatePlaceholder))

	if entries, err := parseFlat(data); err == nil {
		return entries, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse bookmarks yaml: %w", err)
	}
	entries, err := parseHomepage(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bookmarks yaml: %w", err)
	}
	return entries, nil
}

// parseHomepage は「カテゴリ名 -> [ブックマーク名 -> [定義]]」の構造をノード順に辿る。
func parseHomepage(doc *yaml.Node) ([]Entry, error) {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		root = root.Content[0]
	}
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: expected a list of categories", root.Line)
	}

	var entries []Entry
	for _, category := range root.Content {
		categories, err := mappingPairs(category)
		if err != nil {
			return nil, err
		}
		for _, c := range categories {
			if c.value.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("line %d: category %q must be a list", c.value.Line, c.key)
			}
			for _, named := range c.value.Content {
				bookmarks, err := mappingPairs(named)
				if err != nil {
					return nil, err
				}
				for _, b := range bookmarks {
					var defs []homepageEntry
					if err := b.value.Decode(&defs); err != nil {
						return nil, fmt.Errorf("line %d: bookmark %q: %w", b.value.Line, b.key, err)
					}
					if len(defs) == 0 {
						continue
					}
					title, href := resolved(b.key), resolved(defs[0].Href)
					if title == "" || href == "" {
						continue
					}
					entries = append(entries, Entry{Title: title, URL: href, Category: resolved(c.key)})
				}
			}
		}
	}
	return entries, nil
}

type pair struct {
	key   string
	value *yaml.Node
}

// mappingPairs はマッピングのキーと値を書かれた順に返す。
func mappingPairs(n *yaml.Node) ([]pair, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	pairs := make([]pair, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		pairs = append(pairs, pair{key: n.Content[i].Value, value: n.Content[i+1]})
	}
	return pairs, nil
}

// resolved は未展開のテンプレート変数を含む値を空にする。
func resolved(v string) string {
	if strings.Contains(v, templatePlaceholder) {
		return ""
	}
	return strings.TrimSpace(v)
}

func parseFlat(data []byte) ([]Entry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var flat []flatEntry
	if err := dec.Decode(&flat); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(flat))
	for _, f := range flat {
		title, url := resolved(f.Title), resolved(f.URL)
		if title == "" || url == "" {
			continue
		}
		entries = append(entries, Entry{Title: title, URL: url})
	}
	return entries, nil
}

// Creator はブックマーク作成操作。*client.Client が満たす。
type Creator interface {
	Create(ctx context.Context, title, url string) (*model.Bookmark, error)
}

// Failure は登録に失敗した1件。
type Failure struct {
	Entry Entry
	Err   error
}

// Result は一括登録の結果。
type Result struct {
	Imported int
	Failed   []Failure
}

// Import はエントリを順に登録する。URLは画面からの登録と同じ規則で補完する。
// 個々の失敗は記録して続行し、ctxがキャンセルされた時点で打ち切る。
func Import(ctx context.Context, creator Creator, entries []Entry) Result {
	var res Result
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		url := bookmarklist.NormalizeURL(e.URL)
		if _, err := creator.Create(ctx, e.Title, url); err != nil {
			slog.Warn("failed to import bookmark",
				slog.String("title", e.Title),
				slog.String("url", url),
				slog.String("error", err.Error()),
			)
			res.Failed = append(res.Failed, Failure{Entry: e, Err: err})
			continue
		}
		res.Imported++
	}
	return res
}
