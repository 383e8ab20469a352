package chat

import (
	"sort"
	"strings"
	"unicode"
)

// ActiveMention reports the trailing "@partial" token of a draft, if any.
func ActiveMention(draft string) (partial string, ok bool) {
	at := strings.LastIndexByte(draft, '@')
	if at < 0 {
		return "", false
	}
	if at > 0 && !unicode.IsSpace(rune(draft[at-1])) {
		return "", false
	}
	partial = draft[at+1:]
	if strings.ContainsFunc(partial, unicode.IsSpace) {
		return "", false
	}
	return partial, true
}

// Suggest filters participants by a case-insensitive prefix, excluding self.
func Suggest(partial string, participants []string, self string) []string {
	p := strings.ToLower(partial)
	var out []string
	for _, name := range participants {
		if strings.EqualFold(name, self) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), p) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CompleteMention replaces the trailing partial with "@name ".
func CompleteMention(draft, name string) string {
	if _, ok := ActiveMention(draft); !ok {
		return draft
	}
	at := strings.LastIndexByte(draft, '@')
	return draft[:at] + "@" + name + " "
}

// Segment is a run of message text, Mention set when it is "@<participant>".
type Segment struct {
	Text    string
	Mention bool
}

// Highlight splits text at "@<exact-username>" matches, case-insensitive.
// Longer names win when one name is a prefix of another.
func Highlight(text string, participants []string) []Segment {
	names := append([]string(nil), participants...)
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	var (
		out   []Segment
		start int
	)
	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		for _, name := range names {
			if name == "" {
				continue
			}
			end := i + 1 + len(name)
			if end > len(text) || !strings.EqualFold(text[i+1:end], name) {
				continue
			}
			if end < len(text) && isNameByte(text[end]) {
				continue
			}
			if start < i {
				out = append(out, Segment{Text: text[start:i]})
			}
			out = append(out, Segment{Text: text[i:end], Mention: true})
			start = end
			i = end - 1
			break
		}
	}
	if start < len(text) {
		out = append(out, Segment{Text: text[start:]})
	}
	return out
}

// Mentions returns the participants named in text.
func Mentions(text string, participants []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, seg := range Highlight(text, participants) {
		if !seg.Mention {
			continue
		}
		for _, name := range participants {
			if strings.EqualFold("@"+name, seg.Text) {
				if _, dup := seen[name]; !dup {
					seen[name] = struct{}{}
					out = append(out, name)
				}
				break
			}
		}
	}
	return out
}

func isNameByte(b byte) bool {
	return b == '_' || b == '-' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
