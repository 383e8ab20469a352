package chat

import (
	"fmt"
	"net/url"
	"strings"
)

// InvitationLink puts the exported key in the fragment, which browsers and
// HTTP clients never send to the server.
func InvitationLink(base, groupID, exportedKey string) string {
	return strings.TrimRight(base, "/") + "/chat/" + url.PathEscape(groupID) + "#key=" + url.QueryEscape(exportedKey)
}

// ParseInvitation returns the group id and the still-exported key.
func ParseInvitation(link string) (groupID, exportedKey string, err error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidInvitation, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "chat" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("%w: expected /chat/<groupId>", ErrInvalidInvitation)
	}
	groupID = parts[len(parts)-1]

	frag, err := url.ParseQuery(u.EscapedFragment())
	if err != nil {
		return "", "", fmt.Errorf("%w: fragment: %v", ErrInvalidInvitation, err)
	}
	exportedKey = frag.Get("key")
	if exportedKey == "" {
		return "", "", fmt.Errorf("%w: missing key", ErrInvalidInvitation)
	}
	return groupID, exportedKey, nil
}
