package alert

import "strings"

// FormatSender normalizes a raw sender identifier for display.
// US numbers become XXX-XXX-XXXX; anything else is returned without its leading '+'.
func FormatSender(sender string) string {
	sender = strings.TrimLeft(sender, "+")

	if len(sender) == 11 && sender[0] == '1' {
		sender = sender[1:]
	}

	if len(sender) == 10 {
		return sender[:3] + "-" + sender[3:6] + "-" + sender[6:]
	}

	return sender
}
