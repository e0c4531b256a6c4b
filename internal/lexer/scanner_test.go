package lexer

import "testing"

func tokens(line string) []Token {
	sc := NewScanner(line)
	var out []Token
	for {
		tok := sc.Next()
		out = append(out, tok)
		if tok.Kind == LineEnd || tok.Kind == Error {
			break
		}
	}
	return out
}

func TestNextOperators(t *testing.T) {
	cases := []struct {
		line string
		want []Kind
	}{
		{"x = 1", []Kind{Identifier, Operator, Numeric, LineEnd}},
		{"a >= b", []Kind{Identifier, Operator, Identifier, LineEnd}},
		{"a <> b", []Kind{Identifier, Operator, Identifier, LineEnd}},
		{"a ~= b", []Kind{Identifier, Operator, Identifier, LineEnd}},
		{"a && b || c", []Kind{Identifier, Operator, Identifier, Operator, Identifier, LineEnd}},
		{"arr[0]", []Kind{Identifier, BracketL, Numeric, BracketR, LineEnd}},
		{":label", []Kind{LabelSign, Identifier, LineEnd}},
	}
	for _, c := range cases {
		got := tokens(c.line)
		if len(got) != len(c.want) {
			t.Fatalf("%q: got %d tokens, want %d (%v)", c.line, len(got), len(c.want), got)
		}
		for i, k := range c.want {
			if got[i].Kind != k {
				t.Errorf("%q: token %d kind = %s, want %s", c.line, i, got[i].Kind, k)
			}
		}
	}
}

func TestKeywordsAreNotIdentifiers(t *testing.T) {
	for _, kw := range []string{"dim", "redim", "goto", "if", "elseif", "else", "while", "do",
		"for", "to", "step", "next", "continue", "break", "end", "return", "func", "exit"} {
		got := tokens(kw)
		if got[0].Kind != Keyword {
			t.Errorf("%q: kind = %s, want Keyword", kw, got[0].Kind)
		}
	}
}

func TestScanStringEscapes(t *testing.T) {
	got := tokens(`"a\nb\tc\x41"`)
	if len(got) != 2 || got[0].Kind != String {
		t.Fatalf("unexpected tokens: %v", got)
	}
	want := "a\nb\tcA"
	if got[0].Content != want {
		t.Errorf("content = %q, want %q", got[0].Content, want)
	}
}

func TestScanHexEscapeDigitVariants(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{`"\x41"`, "A"},
		{`"\x9"`, "\x09"},
		{`"\x41B"`, "AB"},
		{`"\r\"\\"`, "\r\"\\"},
	}
	for _, c := range cases {
		got := tokens(c.line)
		if got[0].Kind != String {
			t.Fatalf("%q: got %v, want a String token", c.line, got[0])
		}
		if got[0].Content != c.want {
			t.Errorf("%q: content = %q, want %q", c.line, got[0].Content, c.want)
		}
	}
}

func TestScanHexEscapeWithoutDigitsIsError(t *testing.T) {
	got := tokens(`"\xg"`)
	if got[0].Kind != Error {
		t.Fatalf("expected Error token, got %v", got[0])
	}
}

func TestScanCommentSwallowsRestOfLine(t *testing.T) {
	got := tokens("x = 1 # trailing; words")
	want := []Kind{Identifier, Operator, Numeric, LineEnd}
	if len(got) != len(want) {
		t.Fatalf("got %d tokens (%v), want %d", len(got), got, len(want))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("token %d kind = %s, want %s", i, got[i].Kind, k)
		}
	}
}

func TestScanStringUnterminated(t *testing.T) {
	got := tokens(`"abc`)
	if got[0].Kind != Error {
		t.Fatalf("expected Error token, got %v", got[0])
	}
}

func TestScanNumber(t *testing.T) {
	got := tokens("3.14 42")
	if got[0].Kind != Numeric || got[0].Content != "3.14" {
		t.Errorf("got %v", got[0])
	}
	if got[1].Kind != Numeric || got[1].Content != "42" {
		t.Errorf("got %v", got[1])
	}
}

func TestRewindRestoresCursor(t *testing.T) {
	sc := NewScanner("abc def")
	first := sc.Next()
	after := sc.Cursor()
	sc.Rewind()
	if sc.Cursor() != after-first.SourceLength {
		t.Fatalf("rewind did not restore expected cursor position")
	}
	again := sc.Next()
	if again.Content != first.Content {
		t.Fatalf("re-read token %q, want %q", again.Content, first.Content)
	}
}
