package policy

import (
	"fmt"
	"regexp"
)

// denyRule pairs a compiled pattern with the reason reported on match.
type denyRule struct {
	pattern *regexp.Regexp
	reason  string
}

// denyRules are evaluated in order over the raw command string; the
// first match rejects the whole command. The list covers destructive
// deletion, privilege escalation, permission broadening, pipe-to-shell
// remote execution, disk formatting, raw device writes, encoded shell
// payloads, and the Windows equivalents.
var denyRules = []denyRule{
	{regexp.MustCompile(`(?i)\brm\s+(-[a-z]*\s+)*-[a-z]*r[a-z]*f[a-z]*\s+/(\s|$)`), "recursive deletion of the filesystem root"},
	{regexp.MustCompile(`(?i)\brm\s+(-[a-z]*\s+)*-[a-z]*f[a-z]*r[a-z]*\s+/(\s|$)`), "recursive deletion of the filesystem root"},
	{regexp.MustCompile(`(?i)\brm\s+-rf?\s+/\*`), "recursive deletion of the filesystem root"},
	{regexp.MustCompile(`(?i)\bsudo\b`), "privilege escalation via sudo"},
	{regexp.MustCompile(`(?i)\bdoas\b`), "privilege escalation via doas"},
	{regexp.MustCompile(`(?i)\bsu\s+(-\s+)?root\b`), "privilege escalation via su"},
	{regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*0?777\b`), "world-writable permission change"},
	{regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*a\+rwx\b`), "world-writable permission change"},
	{regexp.MustCompile(`(?i)\bchown\s+(-[a-z]+\s+)*root\b`), "ownership transfer to root"},
	{regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;]*\|\s*(ba|z|da|k)?sh\b`), "piping a remote download into a shell"},
	{regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`), "filesystem formatting"},
	{regexp.MustCompile(`(?i)\bfdisk\b|\bparted\b`), "disk partitioning"},
	{regexp.MustCompile(`(?i)\bdd\b[^|;]*\bof=/dev/`), "raw write to a block device"},
	{regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]\b`), "raw write to a block device"},
	{regexp.MustCompile(`(?i):\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`), "fork bomb"},
	{regexp.MustCompile(`(?i)\bbase64\s+(-[a-z]+\s+)*(-d|--decode)\b[^|;]*\|\s*(ba|z|da|k)?sh\b`), "decoding an encoded payload into a shell"},
	{regexp.MustCompile(`(?i)\becho\b[^|;]*\|\s*base64\s+(-d|--decode)\s*\|\s*(ba|z|da|k)?sh\b`), "decoding an encoded payload into a shell"},
	{regexp.MustCompile(`(?i)\bdel\s+(/[a-z]\s+)*/s\b`), "recursive Windows deletion"},
	{regexp.MustCompile(`(?i)\brd\s+(/[a-z]\s+)*/s\b`), "recursive Windows deletion"},
	{regexp.MustCompile(`(?i)\bformat\s+[a-z]:`), "Windows drive formatting"},
	{regexp.MustCompile(`(?i)\breg\s+(delete|add)\b`), "Windows registry modification"},
	{regexp.MustCompile(`(?i)\bnet\s+user\b`), "Windows user management"},
	{regexp.MustCompile(`(?i)\bpowershell\b[^|;]*\s-enc(odedcommand)?\b`), "encoded PowerShell payload"},
	{regexp.MustCompile(`(?i)\bshutdown\b|\breboot\b|\bhalt\b|\bpoweroff\b`), "host shutdown or reboot"},
}

// ValidateCommand applies the ordered deny-pattern rules to the raw
// command string. A single match rejects the whole command before any
// backend is invoked.
func ValidateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("%w: command must not be empty", ErrValidation)
	}
	for _, rule := range denyRules {
		if rule.pattern.MatchString(command) {
			return fmt.Errorf("%w: command blocked: %s", ErrValidation, rule.reason)
		}
	}
	return nil
}
