package config

import "testing"

func TestValidate_TreeherderTripleAllOrNothing(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"all empty", Config{}, false},
		{"all set", Config{TreeherderURL: "u", TreeherderClientID: "c", TreeherderSecret: "s"}, false},
		{"partial", Config{TreeherderURL: "u"}, true},
		{"partial two", Config{TreeherderURL: "u", TreeherderClientID: "c"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_S3TripleAllOrNothing(t *testing.T) {
	cfg := Config{S3UploadBucket: "b", AWSAccessKeyID: "k"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for partial S3 config")
	}
	cfg.AWSAccessKey = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error for complete S3 config: %v", err)
	}
}

func TestValidate_PulseRequiresCredentials(t *testing.T) {
	cfg := Config{EnablePulse: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when enable-pulse set without credentials")
	}
	cfg.PulseUser = "u"
	cfg.PulsePassword = "p"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
