package models

const (
	SectionMarkerRegex = `[ \t]*§[ \t]*`
	ChromeLineRegex    = `(?i)^\s*(expand description|copy item path|collapse all|expand all|\[[−+-]\])\s*$`
	FenceRegex         = "^ {0,3}(```|~~~)"
	InvisibleRegex     = "[\u200b\u200c\u200d\ufeff]"
	ThinkTag           = `(?s)<think>.*?</think>`
	ContextSeparator   = "\n---\n"
)

const (
	DefaultChunkMaxChars     = 1000
	DefaultChunkOverlapChars = 200
	DefaultChunkMinChars     = 50
	DefaultEmbeddingBatch    = 64
	DefaultSearchK           = 10
	DefaultRetryLimit        = 3
	DefaultProviderTimeoutMs = 30000
	DefaultStoreTimeoutMs    = 10000
	DefaultIngestWorkers     = 4
	DefaultDimensions        = 1536
)

var (
	AnswerSystemPrompt = `You are a documentation assistant for the Rust crate ecosystem. Answer the question using only the documentation passages provided. If the passages do not contain the answer, say so.`

	AnswerPromptTemplate = `<passages>
%s
</passages>
<question>
%s
</question>
Answer the question in a few short paragraphs. Quote API names exactly as they appear in the passages.
`
)
