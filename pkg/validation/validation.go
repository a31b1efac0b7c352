package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// CameraIDRegex validates device ids and local:<index> identities
	CameraIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

	// HostnameRegex validates DNS host names
	HostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Protocols a device record may carry
var deviceProtocols = map[string]bool{
	"RTSP":  true,
	"HTTP":  true,
	"ONVIF": true,
	"LOCAL": true,
}

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidatePassword validates password
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	if len(password) > 128 {
		return fmt.Errorf("password is too long (max 128 characters)")
	}
	return nil
}

// ValidateCameraID validates a camera identity
func ValidateCameraID(id string) error {
	if id == "" {
		return fmt.Errorf("camera ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("camera ID is too long (max 100 characters)")
	}
	if !CameraIDRegex.MatchString(id) {
		return fmt.Errorf("invalid camera ID format")
	}
	return nil
}

// ValidateHost accepts an IP address or a host name
func ValidateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 || !HostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid host %q", host)
	}
	return nil
}

// ValidatePort validates a TCP port; 0 means the protocol default
func ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// ValidateDeviceName validates device display name
func ValidateDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("device name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("device name is too long (max 100 characters)")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("device name contains invalid characters")
	}
	return nil
}

// ValidateProtocol validates a device protocol
func ValidateProtocol(protocol string) error {
	if !deviceProtocols[strings.ToUpper(protocol)] {
		return fmt.Errorf("unsupported protocol %q (must be RTSP, HTTP, ONVIF or LOCAL)", protocol)
	}
	return nil
}

// ValidateDevice validates the fields of a new device record
func ValidateDevice(name, protocol, host string, port int) error {
	if err := ValidateDeviceName(name); err != nil {
		return err
	}
	if err := ValidateProtocol(protocol); err != nil {
		return err
	}
	if strings.EqualFold(protocol, "LOCAL") {
		return nil
	}
	if err := ValidateHost(host); err != nil {
		return err
	}
	return ValidatePort(port)
}

// ValidateRTSPURL validates rtsp:// and rtsps:// URLs
func ValidateRTSPURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return fmt.Errorf("invalid URL scheme (must be rtsp or rtsps)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
