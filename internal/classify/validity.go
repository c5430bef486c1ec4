package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// wordRun 匹配 Unicode 意义上的完整单词；只有全部由 ASCII 字母组成且长度不小于 2 的单词才计数。
var (
	wordRun     = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	asciiLetter = regexp.MustCompile(`^[a-zA-Z]{2,}$`)
)

// commonWords 以子串方式匹配，因此 "a" 几乎总能命中；保持与历史行为一致。
var commonWords = []string{"the", "a", "and", "is", "to", "in", "it", "you", "that", "of"}

const shortTextLen = 20

// IsValidResponse 判断生成文本是否像正常语言而非随机字符。
func IsValidResponse(text string) bool {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return false
	}
	ratio := float64(countWords(text)) / float64(len(tokens))

	if utf8.RuneCountInString(text) < shortTextLen {
		return ratio > 0.5
	}
	return ratio > 0.5 && hasCommonWord(text)
}

func countWords(text string) int {
	n := 0
	for _, run := range wordRun.FindAllString(text, -1) {
		if asciiLetter.MatchString(run) {
			n++
		}
	}
	return n
}

func hasCommonWord(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range commonWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// SystemPromptViolated 判断在要求简短回答时回复是否超过 maxWords 个词。
func SystemPromptViolated(text string, maxWords int) bool {
	return len(strings.Fields(text)) > maxWords
}
