package voice

import (
	"regexp"
	"strings"
	"unicode"
)

// maxTagLength bounds how much text the stripper will hold while waiting
// for a closing '>'; longer runs are treated as literal text.
const maxTagLength = 120

// TagStripper removes angle-bracket command tags (<Disconnect the call>,
// <Transfer the call here>, ...) from a streamed text sequence. Tags may
// be split across chunk boundaries. Stripping never joins adjacent words:
// when a tag sat between word characters a single space is inserted, and
// whitespace around a removed tag collapses to one separator.
type TagStripper struct {
	pending  []rune // text after an unmatched '<'
	inTag    bool
	afterTag bool
	last     rune
	started  bool
}

// NewTagStripper returns a stripper with empty state; one per stream.
func NewTagStripper() *TagStripper {
	return &TagStripper{}
}

// Feed consumes the next chunk and returns the text safe to forward.
func (t *TagStripper) Feed(chunk string) string {
	var out strings.Builder
	for _, r := range chunk {
		if t.inTag {
			if r == '>' {
				t.inTag = false
				t.pending = t.pending[:0]
				t.afterTag = true
				continue
			}
			t.pending = append(t.pending, r)
			if len(t.pending) > maxTagLength {
				// Not a tag after all; replay it as literal text.
				t.emit(&out, '<')
				for _, p := range t.pending[1:] {
					t.emit(&out, p)
				}
				t.pending = t.pending[:0]
				t.inTag = false
			}
			continue
		}
		if r == '<' {
			t.inTag = true
			t.pending = append(t.pending[:0], r)
			continue
		}
		t.emit(&out, r)
	}
	return out.String()
}

// emit writes r applying the post-tag spacing rules.
func (t *TagStripper) emit(out *strings.Builder, r rune) {
	if t.afterTag {
		if unicode.IsSpace(r) && t.started && unicode.IsSpace(t.last) {
			// Collapse the separator the tag used to occupy.
			return
		}
		if isWord(r) && t.started && isWord(t.last) {
			out.WriteRune(' ')
			t.last = ' '
		}
		t.afterTag = false
	}
	out.WriteRune(r)
	t.last = r
	t.started = true
}

// Flush returns any text still held as a possible tag; called at end of
// stream so an unclosed '<' is not swallowed.
func (t *TagStripper) Flush() string {
	if !t.inTag || len(t.pending) == 0 {
		return ""
	}
	var out strings.Builder
	for _, r := range t.pending {
		t.emit(&out, r)
	}
	t.pending = t.pending[:0]
	t.inTag = false
	return out.String()
}

// StripCommandTags is the single-shot form used for complete utterances.
func StripCommandTags(text string) string {
	s := NewTagStripper()
	return s.Feed(text) + s.Flush()
}

var (
	reToolCode   = regexp.MustCompile("(?s)```tool_code.*?(```|$)")
	reDefaultAPI = regexp.MustCompile(`(?:print\()?default_api\.\w+\([^)]*\)\)?`)
)

// CleanToolArtifacts removes tool_code fenced payloads and default_api
// call leakage the model sometimes emits mid-utterance.
func CleanToolArtifacts(text string) string {
	text = reToolCode.ReplaceAllString(text, "")
	text = reDefaultAPI.ReplaceAllString(text, "")
	return strings.TrimRight(text, " \t")
}

// asciiFold maps common accented Latin characters to plain ASCII for the
// TTS retry path.
var asciiFold = map[rune]string{
	'á': "a", 'à': "a", 'â': "a", 'ä': "a", 'ã': "a", 'å': "a",
	'é': "e", 'è': "e", 'ê': "e", 'ë': "e",
	'í': "i", 'ì': "i", 'î': "i", 'ï': "i",
	'ó': "o", 'ò': "o", 'ô': "o", 'ö': "o", 'õ': "o",
	'ú': "u", 'ù': "u", 'û': "u", 'ü': "u",
	'ñ': "n", 'ç': "c", 'ý': "y",
	'Á': "A", 'À': "A", 'Â': "A", 'Ä': "A", 'Ã': "A", 'Å': "A",
	'É': "E", 'È': "E", 'Ê': "E", 'Ë': "E",
	'Í': "I", 'Ì': "I", 'Î': "I", 'Ï': "I",
	'Ó': "O", 'Ò': "O", 'Ô': "O", 'Ö': "O", 'Õ': "O",
	'Ú': "U", 'Ù': "U", 'Û': "U", 'Ü': "U",
	'Ñ': "N", 'Ç': "C",
	'—': "-", '–': "-", '‘': "'", '’': "'", '“': `"`, '”': `"`, '…': "...",
	'₹': "rupees ", '€': "euros ", '£': "pounds ",
}

// Transliterate rewrites text into ASCII for TTS engines that reject
// non-ASCII input: ampersands become the word "and", accented characters
// fold to their base letter, and anything else non-ASCII is dropped.
func Transliterate(text string) string {
	var out strings.Builder
	for _, r := range text {
		switch {
		case r == '&':
			out.WriteString(" and ")
		case r < 128:
			out.WriteRune(r)
		default:
			if folded, ok := asciiFold[r]; ok {
				out.WriteString(folded)
			}
		}
	}
	return strings.Join(strings.Fields(out.String()), " ")
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
