package utils

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestCleanObjectPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"group1", "/group1"},
		{"/group1/", "/group1"},
		{"//group1///data0", "/group1/data0"},
		{"/./group1/./data0", "/group1/data0"},
	}

	for _, tt := range tests {
		if got := CleanObjectPath(tt.in); got != tt.want {
			t.Errorf("CleanObjectPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitObjectPath(t *testing.T) {
	t.Parallel()

	if got := SplitObjectPath("/a//b/c/"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("SplitObjectPath = %v", got)
	}
	if got := SplitObjectPath("/"); len(got) != 0 {
		t.Errorf("SplitObjectPath(/) = %v, want empty", got)
	}
}

func TestJoinObjectPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		parent, name, want string
	}{
		{"/", "group1", "/group1"},
		{"/group1", "data0", "/group1/data0"},
		{"group1/", "/data0/", "/group1/data0"},
		{"/group1", "", "/group1"},
	}

	for _, tt := range tests {
		if got := JoinObjectPath(tt.parent, tt.name); got != tt.want {
			t.Errorf("JoinObjectPath(%q, %q) = %q, want %q", tt.parent, tt.name, got, tt.want)
		}
	}
}

func TestSplitParent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, parent, name string
	}{
		{"/", "/", ""},
		{"/data0", "/", "data0"},
		{"/group1/sub/data0", "/group1/sub", "data0"},
	}

	for _, tt := range tests {
		parent, name := SplitParent(tt.in)
		if parent != tt.parent || name != tt.name {
			t.Errorf("SplitParent(%q) = (%q, %q), want (%q, %q)", tt.in, parent, name, tt.parent, tt.name)
		}
	}
}

func TestValidateObjectName(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", "a/b", "."} {
		if err := ValidateObjectName(bad); err == nil {
			t.Errorf("ValidateObjectName(%q) should fail", bad)
		}
	}
	for _, good := range []string{"data0", "x y", "..hidden"} {
		if err := ValidateObjectName(good); err != nil {
			t.Errorf("ValidateObjectName(%q) = %v", good, err)
		}
	}
}

func TestValidatePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path          string
		allowAbsolute bool
		wantErr       bool
	}{
		{"out.h5", false, false},
		{"runs/out.h5", false, false},
		{"../etc/passwd", false, true},
		{"/abs/out.h5", false, true},
		{"/abs/out.h5", true, false},
		{"", false, true},
		{"a..b.h5", false, false},
	}

	for _, tt := range tests {
		err := ValidatePath(tt.path, tt.allowAbsolute)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q, %v) error = %v, wantErr %v", tt.path, tt.allowAbsolute, err, tt.wantErr)
		}
	}
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := filepath.Join("/var", "lib", "lowfive")

	got, err := SecureJoin(base, "out.h5", "data0")
	if err != nil {
		t.Fatalf("SecureJoin: %v", err)
	}
	if want := filepath.Join(base, "out.h5", "data0"); got != want {
		t.Errorf("SecureJoin = %q, want %q", got, want)
	}

	if _, err := SecureJoin(base, "..", "..", "etc"); err == nil {
		t.Error("SecureJoin should reject escaping paths")
	}
	if _, err := SecureJoin("", "x"); err == nil {
		t.Error("SecureJoin should reject an empty base")
	}
}
