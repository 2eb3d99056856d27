package pattern

import (
	"regexp"
	"testing"
)

func TestMatchesRegex(t *testing.T) {
	cases := []struct {
		value, expr string
	}{
		{"hello.ts", `^hello\..*$`},
		{"hello.ts", `\.ts$`},
		{"hello.go", `\.ts$`},
	}
	for _, c := range cases {
		want := regexp.MustCompile(c.expr).MatchString(c.value)
		got := Matches(c.value, "/"+c.expr+"/")
		if got != want {
			t.Errorf("Matches(%q, /%s/) = %v, want %v", c.value, c.expr, got, want)
		}
	}
}

func TestMatchesInvalidRegexReturnsFalse(t *testing.T) {
	if Matches("anything", "/[/") {
		t.Fatal("expected invalid regex to return false, not panic or error")
	}
}

func TestMatchesExtension(t *testing.T) {
	if !Matches("src/a.ts", ".ts") {
		t.Fatal("expected .ts to match src/a.ts")
	}
	if Matches("src/a.tsx", ".ts") {
		t.Fatal("did not expect .ts to match src/a.tsx")
	}
}

func TestMatchesGlobSingleSegment(t *testing.T) {
	if !Matches("a.ts", "*.ts") {
		t.Fatal("expected *.ts to match a.ts")
	}
	if Matches("src/a.ts", "*.ts") {
		t.Fatal("did not expect single * to cross a path segment")
	}
	if !Matches("a.ts", "a.t?") {
		t.Fatal("expected a.t? to match a.ts")
	}
}

func TestMatchesGlobDoubleStar(t *testing.T) {
	if !Matches("src/a.ts", "**/*.ts") {
		t.Fatal("expected **/*.ts to match src/a.ts")
	}
	if Matches("README.md", "**/*.ts") {
		t.Fatal("did not expect **/*.ts to match README.md")
	}
	if !Matches("a/b/c/d.ts", "a/**/d.ts") {
		t.Fatal("expected a/**/d.ts to match a/b/c/d.ts")
	}
}

func TestMatchesAnyAll(t *testing.T) {
	patterns := []string{".go", ".ts"}
	if !MatchesAny("a.ts", patterns) {
		t.Fatal("expected MatchesAny to find .ts")
	}
	if MatchesAny("a.md", patterns) {
		t.Fatal("did not expect MatchesAny to match a.md")
	}

	if !MatchesAll("a.ts", []string{"*.ts", "/.*\\.ts$/"}) {
		t.Fatal("expected MatchesAll to match both patterns")
	}
	if MatchesAll("a.ts", []string{"*.ts", ".go"}) {
		t.Fatal("did not expect MatchesAll to match conflicting patterns")
	}

	if !MatchesAll("a.ts", nil) {
		t.Fatal("expected empty pattern list to be vacuously true")
	}
}
