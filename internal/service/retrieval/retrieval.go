package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"

	"healthchat/internal/config"
)

// fallbackBlocks are returned when the corpus is empty or nothing matches,
// so the model always receives some grounding context.
var fallbackBlocks = []string{
	"General hydration and rest advice.",
	"Consult a healthcare professional for persistent symptoms.",
}

const defaultTopK = 4

// Index is an in-memory keyword index over the medical guidance corpus.
type Index struct {
	blocks []block
	topK   int
}

type block struct {
	text  string
	terms map[string]struct{}
}

// NewIndex loads every readable document under the corpus directory and
// splits it into paragraph blocks. A missing or empty corpus is not an
// error; the index then serves only fallback blocks.
func NewIndex(ctx context.Context, cfg config.RetrievalConfig) (*Index, error) {
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	idx := &Index{topK: topK}
	if cfg.CorpusDir == "" {
		return idx, nil
	}

	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init corpus parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return nil, fmt.Errorf("init corpus loader: %w", err)
	}

	walkErr := filepath.WalkDir(cfg.CorpusDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		docs, err := loader.Load(ctx, document.Source{URI: path})
		if err != nil {
			log.Printf("corpus: skipping %s: %v", path, err)
			return nil
		}
		for _, doc := range docs {
			idx.addBlocks(SplitBlocks(doc.Content))
		}
		return nil
	})
	if walkErr != nil {
		log.Printf("corpus: directory %s unavailable: %v", cfg.CorpusDir, walkErr)
	}
	return idx, nil
}

// SplitBlocks breaks document text into paragraph blocks on blank lines.
func SplitBlocks(text string) []string {
	var blocks []string
	for _, raw := range strings.Split(text, "\n\n") {
		b := strings.TrimSpace(raw)
		if b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func (i *Index) addBlocks(texts []string) {
	for _, t := range texts {
		i.blocks = append(i.blocks, block{text: t, terms: termSet(t)})
	}
}

// Len reports the number of indexed corpus blocks.
func (i *Index) Len() int {
	return len(i.blocks)
}

// Search returns up to k corpus blocks ranked by term overlap with the
// query. k <= 0 uses the configured default. When nothing in the corpus
// overlaps the query, the fallback blocks are returned instead.
func (i *Index) Search(query string, k int) []string {
	if k <= 0 {
		k = i.topK
	}
	queryTerms := termSet(query)
	if len(i.blocks) == 0 || len(queryTerms) == 0 {
		return fallback(k)
	}

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for n, b := range i.blocks {
		s := overlap(queryTerms, b.terms)
		if s > 0 {
			hits = append(hits, scored{idx: n, score: s})
		}
	}
	if len(hits) == 0 {
		return fallback(k)
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, i.blocks[h.idx].text)
	}
	return out
}

func fallback(k int) []string {
	if k < len(fallbackBlocks) {
		return append([]string(nil), fallbackBlocks[:k]...)
	}
	return append([]string(nil), fallbackBlocks...)
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}

func termSet(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		terms[w] = struct{}{}
	}
	return terms
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "with": true,
	"have": true, "has": true, "was": true, "you": true, "your": true,
	"that": true, "this": true, "can": true, "not": true, "but": true,
}
