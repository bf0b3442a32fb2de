package job

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewID(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		id, err := NewID()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !ValidID(id) {
			t.Fatalf("got invalid id %q", id)
		}
		if IsReservedID(id) {
			t.Fatalf("got reserved id %q", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) < 990 {
		t.Fatalf("got %d distinct ids out of 1000", len(seen))
	}
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abc12", true},
		{"00000", true},
		{"ABC12", false},
		{"abc1", false},
		{"abc123", false},
		{"ab-12", false},
		{"utils", false},
		{"dist", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := ValidID(tt.id); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateSourceURL(t *testing.T) {
	valid := []string{
		"https://github.com/owner/repo",
		"https://github.com/owner/repo.git",
		"https://github.com/Some_Owner/some-repo_2",
	}
	for _, u := range valid {
		t.Run(u, func(t *testing.T) {
			if err := ValidateSourceURL(u); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		})
	}

	invalid := []string{
		"",
		"http://github.com/owner/repo",
		"git@github.com:owner/repo.git",
		"https://gitlab.com/owner/repo",
		"https://github.com/owner",
		"https://github.com/owner/repo/tree/main",
		"https://github.com/owner/repo/",
		"https://github.com.evil.com/owner/repo",
		"https://github.com/owner/re po",
		"https://github.com/../repo",
	}
	for _, u := range invalid {
		t.Run(u, func(t *testing.T) {
			err := ValidateSourceURL(u)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("got %v, want %v", err, ErrInvalidRequest)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusCloning, true},
		{StatusCloning, StatusUploaded, true},
		{StatusUploaded, StatusQueued, true},
		{StatusQueued, StatusBuilding, true},
		{StatusBuilding, StatusBuilding, true},
		{StatusBuilding, StatusBuilt, true},
		{StatusPending, StatusFailed, true},
		{StatusQueued, StatusFailed, true},
		{StatusBuilding, StatusFailed, true},
		{StatusPending, StatusQueued, false},
		{StatusQueued, StatusCloning, false},
		{StatusBuilt, StatusBuilding, false},
		{StatusBuilt, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
		{StatusFailed, StatusCloning, false},
		{StatusUnknown, StatusCloning, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("worker: %w", NewError(KindStorage, "abc12", cause))

	if !errors.Is(err, ErrStorage) {
		t.Fatalf("want %v to match ErrStorage", err)
	}
	if errors.Is(err, ErrBuild) {
		t.Fatalf("didn't want %v to match ErrBuild", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("want %v to wrap the cause", err)
	}
	var jobErr *Error
	if !errors.As(err, &jobErr) || jobErr.JobID != "abc12" {
		t.Fatalf("got %v, want job id abc12", jobErr)
	}
}

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{SourcePrefix("abc12"), "source/abc12/"},
		{BuildPrefix("abc12"), "build/abc12/"},
		{BuildLogKey("abc12"), "logs/abc12/build.log"},
		{SourceKey("abc12", "src/index.js"), "source/abc12/src/index.js"},
		{BuildKey("abc12", "/assets/app.css"), "build/abc12/assets/app.css"},
		{BuildKey("abc12", "../../other/index.html"), "build/abc12/other/index.html"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseBuildTaskMessage(t *testing.T) {
	body, err := EncodeBuildTaskMessage("abc12")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	id, err := ParseBuildTaskMessage(body)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := id, "abc12"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	invalid := []string{
		``,
		`not json`,
		`{}`,
		`{"id": 5}`,
		`{"id": "../x"}`,
		`{"id": "abc12"} {"id": "abc13"}`,
	}
	for _, b := range invalid {
		t.Run(b, func(t *testing.T) {
			if _, err := ParseBuildTaskMessage([]byte(b)); err == nil {
				t.Fatalf("want error")
			}
		})
	}
}
