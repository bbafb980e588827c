package shared

import "testing"

func TestRedact(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"plain", "script create_share_link failed: exit status 2", "script create_share_link failed: exit status 2"},
		{"bearer", "Bearer abc123def456ghi789jkl0", "Bearer [REDACTED]"},
		{"api key assignment", "api_key=abcdef1234567890abcdef", "api_key=[REDACTED]"},
		{"quoted access token", `access_token: "abcdef1234567890abcdef"`, "access_token: [REDACTED]"},
		{"provider key", "failed with key sk-ant-REDACTED", "failed with key [REDACTED]"},
		{"gemini key", "key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx", "key is [REDACTED]"},
		{"uuid token", "token=123e4567-e89b-12d3-a456-426614174000 rejected", "token=[REDACTED] rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Fatalf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"GEMINI_API_KEY", "some-secret", "[REDACTED]"},
		{"DRIVE_PRIVATE_KEY", "-----BEGIN", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"SHARE_TOKEN", "", ""},
		{"SHARE_BASE_URL", "https://example.test", "https://example.test"},
		{"LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.want)
		}
	}
}
