package snapshot

import "testing"

func TestS3Config_ObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "abc.tar.gz"},
		{"ferry", "ferry/abc.tar.gz"},
		{"/ferry/snapshots/", "ferry/snapshots/abc.tar.gz"},
	}
	for _, tt := range tests {
		c := S3Config{Prefix: tt.prefix}
		if got := c.objectKey("abc.tar.gz"); got != tt.want {
			t.Errorf("objectKey() with prefix %q = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestS3Config_EndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"", ""},
		{"minio.local:9000", "https://minio.local:9000"},
		{"http://minio.local:9000/", "http://minio.local:9000"},
		{"https://s3.us-west-000.backblazeb2.com", "https://s3.us-west-000.backblazeb2.com"},
	}
	for _, tt := range tests {
		c := S3Config{Endpoint: tt.endpoint}
		if got := c.endpointURL(); got != tt.want {
			t.Errorf("endpointURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestS3Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{"complete", S3Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}, false},
		{"no bucket", S3Config{AccessKey: "a", SecretKey: "s"}, true},
		{"no secret", S3Config{Bucket: "b", AccessKey: "a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if (S3Config{}).Enabled() {
		t.Error("Enabled() = true for empty config")
	}
}
