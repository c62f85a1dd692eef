package keyword

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLookup_TableOrderWins(t *testing.T) {
	m := NewMatcher(NewTable([]Entry{
		{Trigger: "hi", Answer: "Hello!"},
		{Trigger: "address", Answer: "123 Main St"},
	}))
	got, ok := m.Match("Hi, what's your address?")
	if !ok || got != "Hello!" {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestLookup_CaseInsensitiveSubstring(t *testing.T) {
	m := NewMatcher(NewTable([]Entry{{Trigger: "Opening Hours", Answer: "9 to 5"}}))
	tests := []struct {
		in   string
		want bool
	}{
		{"what are your OPENING HOURS today", true},
		{"opening hours", true},
		{"opening", false},
		{"", false},
	}
	for _, tt := range tests {
		_, ok := m.Match(tt.in)
		if ok != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.in, ok, tt.want)
		}
	}
}

func TestNewTable_DropsBlankAndDedupes(t *testing.T) {
	tbl := NewTable([]Entry{
		{Trigger: "a", Answer: "1"},
		{Trigger: "  ", Answer: "never"},
		{Trigger: "b", Answer: "2"},
		{Trigger: "A", Answer: "3"},
	})
	entries := tbl.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Answer != "3" || entries[1].Trigger != "b" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if _, ok := tbl.Lookup("zzz"); ok {
		t.Fatal("blank trigger must not match everything")
	}
}

func TestMerge_OverwritesAndAdds(t *testing.T) {
	m := NewMatcher(NewTable([]Entry{
		{Trigger: "hours", Answer: "9-5"},
		{Trigger: "phone", Answer: "555-0100"},
	}))
	merged := m.Merge(NewTable([]Entry{
		{Trigger: "HOURS", Answer: "8-6"},
		{Trigger: "email", Answer: "info@example.org"},
	}))

	want := []Entry{
		{Trigger: "hours", Answer: "8-6"},
		{Trigger: "phone", Answer: "555-0100"},
		{Trigger: "email", Answer: "info@example.org"},
	}
	got := merged.Entries()
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
	if a, _ := m.Match("phone please"); a != "555-0100" {
		t.Fatal("merge removed an entry")
	}
}

func TestReplace(t *testing.T) {
	m := NewMatcher(nil)
	if _, ok := m.Match("anything"); ok {
		t.Fatal("empty matcher matched")
	}
	old := NewTable([]Entry{{Trigger: "x", Answer: "old"}})
	m.Replace(old)
	m.Replace(NewTable([]Entry{{Trigger: "y", Answer: "new"}}))
	if _, ok := m.Match("x"); ok {
		t.Fatal("replace should drop previous entries")
	}
	if old.Len() != 1 {
		t.Fatal("replace mutated the previous table")
	}
}

func TestMatcher_ConcurrentSwapNeverMixes(t *testing.T) {
	a := NewTable([]Entry{{Trigger: "q", Answer: "A1"}, {Trigger: "r", Answer: "A2"}})
	b := NewTable([]Entry{{Trigger: "q", Answer: "B1"}, {Trigger: "r", Answer: "B2"}})
	m := NewMatcher(a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				tbl := m.Table()
				e1, _ := tbl.Lookup("q")
				e2, _ := tbl.Lookup("r")
				if e1.Answer[0] != e2.Answer[0] {
					t.Errorf("mixed table: %s %s", e1.Answer, e2.Answer)
					return
				}
			}
		}()
	}
	for i := 0; i < 500; i++ {
		if i%2 == 0 {
			m.Replace(b)
		} else {
			m.Replace(a)
		}
	}
	close(stop)
	wg.Wait()
}

func TestParse_List(t *testing.T) {
	tbl, err := Parse([]byte(`
- trigger: hours
  answer: We are open 9 to 5.
- trigger: address
  answer: 123 Main St
`))
	if err != nil {
		t.Fatal(err)
	}
	e := tbl.Entries()
	if len(e) != 2 || e[0].Trigger != "hours" || e[1].Answer != "123 Main St" {
		t.Fatalf("unexpected %+v", e)
	}
}

func TestParse_MappingKeepsFileOrder(t *testing.T) {
	tbl, err := Parse([]byte("zeta: last letter\nalpha: first letter\nmid: middle\n"))
	if err != nil {
		t.Fatal(err)
	}
	e := tbl.Entries()
	if len(e) != 3 || e[0].Trigger != "zeta" || e[1].Trigger != "alpha" || e[2].Trigger != "mid" {
		t.Fatalf("order not preserved: %+v", e)
	}
}

func TestParse_Errors(t *testing.T) {
	for _, in := range []string{"just a string", "key:\n  nested: map", "- [unclosed"} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
	tbl, err := Parse(nil)
	if err != nil || tbl.Len() != 0 {
		t.Fatalf("empty input: %v %d", err, tbl.Len())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.yaml")
	if err := os.WriteFile(path, []byte("hi: Hello!\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tbl, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := tbl.Lookup("oh hi there"); !ok || e.Answer != "Hello!" {
		t.Fatalf("got %+v %v", e, ok)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}
