package orchestrator

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/vidprompt/internal/engine"
	"github.com/jo-hoe/vidprompt/internal/storage"
)

// validateSubmission returns every violated submission constraint.
func validateSubmission(req SubmitRequest) []string {
	var violations []string
	if strings.TrimSpace(req.Prompt) == "" {
		violations = append(violations, "prompt must not be empty")
	}
	if v := validateInputRef(req.InputRef); v != "" {
		violations = append(violations, v)
	}
	if req.CallbackURL != "" && !isHTTPURL(req.CallbackURL) {
		violations = append(violations, "callback_url must be an absolute http(s) URL")
	}
	return violations
}

func validateInputRef(ref string) string {
	if strings.TrimSpace(ref) == "" {
		return "input_ref is required"
	}
	if engine.IsRemoteRef(ref) {
		if !isHTTPURL(ref) {
			return fmt.Sprintf("input_ref %q is not a valid URL", ref)
		}
		return ""
	}
	if strings.Contains(ref, "://") {
		return fmt.Sprintf("input_ref %q uses an unsupported scheme", ref)
	}
	if !storage.HasVideoExtension(ref) {
		return fmt.Sprintf("input_ref %q is not a supported video file", filepath.Base(ref))
	}
	f, err := os.Open(filepath.Clean(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("input_ref %q does not exist", ref)
		}
		return fmt.Sprintf("input_ref %q is not readable", ref)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	switch {
	case err != nil || info.IsDir():
		return fmt.Sprintf("input_ref %q is not a regular file", ref)
	case info.Size() == 0:
		return fmt.Sprintf("input_ref %q is empty", ref)
	}
	return ""
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
