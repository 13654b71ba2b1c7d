package selector

import "testing"

func TestExclusionSetLiteral(t *testing.T) {
	es := NewExclusionSet([]string{"docs/config.json"})
	if !es.Matches("docs/config.json") {
		t.Error("expected exact literal path to match")
	}
	if es.Matches("docs/other.json") {
		t.Error("expected unrelated path not to match")
	}
}

func TestExclusionSetBasenameLiteral(t *testing.T) {
	es := NewExclusionSet([]string{"node_modules"})
	if !es.Matches("node_modules") {
		t.Error("expected top-level basename match")
	}
	if !es.Matches("pkg/node_modules") {
		t.Error("expected nested basename match")
	}
}

func TestExclusionSetSuffixGlob(t *testing.T) {
	es := NewExclusionSet([]string{"*.log"})
	if !es.Matches("app.log") || !es.Matches("var/app.log") {
		t.Error("expected *.log to match files at any depth")
	}
	if es.Matches("app.logx") {
		t.Error("expected *.log not to match app.logx")
	}
}

func TestExclusionSetDirPrefix(t *testing.T) {
	es := NewExclusionSet([]string{"build/"})
	if !es.Matches("build/output.bin") {
		t.Error("expected build/ to match files under build/")
	}
	if es.Matches("build-tools/output.bin") {
		t.Error("expected build/ not to match build-tools/")
	}
}

func TestExclusionSetGlob(t *testing.T) {
	es := NewExclusionSet([]string{"dir/*.tmp"})
	if !es.Matches("dir/a.tmp") {
		t.Error("expected dir/*.tmp to match dir/a.tmp")
	}
	if es.Matches("dir/sub/a.tmp") {
		t.Error("expected dir/*.tmp not to match nested paths (filepath.Match has no **)")
	}
}
