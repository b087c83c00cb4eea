// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type user struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

type guildMember struct {
	User user   `json:"user"`
	Nick string `json:"nick"`
}

func (m guildMember) displayName() string {
	for _, s := range []string{m.Nick, m.User.GlobalName, m.User.Username} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return m.User.ID
}

// matchMember tries exact global name, then exact username, then the same
// two on normalized forms.
func matchMember(members []guildMember, name string) (guildMember, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return guildMember{}, false
	}

	for _, m := range members {
		if m.User.GlobalName != "" && m.User.GlobalName == name {
			return m, true
		}
	}
	for _, m := range members {
		if m.User.Username == name {
			return m, true
		}
	}

	folded := normalizeName(name)
	for _, m := range members {
		if m.User.GlobalName != "" && normalizeName(m.User.GlobalName) == folded {
			return m, true
		}
	}
	for _, m := range members {
		if normalizeName(m.User.Username) == folded {
			return m, true
		}
	}
	return guildMember{}, false
}

// normalizeName folds compatibility characters and case so that decorated
// display names compare equal to their plain spelling.
func normalizeName(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}
