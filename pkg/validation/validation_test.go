package validation

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"valid username", "user123", false},
		{"valid with underscore", "user_name", false},
		{"valid with dash", "user-name", false},
		{"too short", "ab", true},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 51), true},
		{"invalid chars", "user name", true},
		{"invalid chars 2", "user@name", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "secret1", false},
		{"empty", "", true},
		{"too short", "12345", true},
		{"too long", strings.Repeat("p", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCameraID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "0b5e3a52-8f0c-4d1e-9d0c-3f0a4c1b2e11", false},
		{"local", "local:0", false},
		{"empty", "", true},
		{"slash", "cam/1", true},
		{"too long", strings.Repeat("c", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCameraID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCameraID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDevice(t *testing.T) {
	tests := []struct {
		name     string
		devName  string
		protocol string
		host     string
		port     int
		wantErr  bool
	}{
		{"rtsp ip", "Front door", "RTSP", "192.168.1.20", 554, false},
		{"rtsp default port", "Front door", "rtsp", "192.168.1.20", 0, false},
		{"hostname", "Yard", "ONVIF", "cam-yard.local", 80, false},
		{"local needs no host", "Webcam", "LOCAL", "", 0, false},
		{"missing name", "", "RTSP", "192.168.1.20", 554, true},
		{"bad protocol", "Front door", "RTMP", "192.168.1.20", 554, true},
		{"missing host", "Front door", "RTSP", "", 554, true},
		{"bad host", "Front door", "RTSP", "not a host", 554, true},
		{"bad port", "Front door", "RTSP", "192.168.1.20", 70000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDevice(tt.devName, tt.protocol, tt.host, tt.port)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDevice() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRTSPURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid", "rtsp://10.0.0.5:554/stream1", false},
		{"credentials", "rtsp://admin:pw@10.0.0.5/live", false},
		{"tls", "rtsps://cam.example.com/live", false},
		{"http", "http://10.0.0.5/video", true},
		{"no host", "rtsp:///live", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRTSPURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRTSPURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
