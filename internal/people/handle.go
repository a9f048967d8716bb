package people

import "strings"

// DisplayHandle formats a NIP-05 identifier for display. The root identifier
// "_@domain" is shown as just the domain.
func DisplayHandle(nip05 string) string {
	return strings.TrimPrefix(strings.TrimSpace(nip05), "_@")
}
