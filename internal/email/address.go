package email

import (
	"net/mail"
	"strings"

	"github.com/samber/lo"
)

// Address is a mailbox with an optional display name.
type Address struct {
	Address string
	Name    string
}

// String formats the address as "Name <address>", or the bare address when
// no display name is set.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// AddressList is an ordered set of addresses keyed by mailbox.
type AddressList []Address

// Addresses returns the bare mailboxes in order.
func (l AddressList) Addresses() []string {
	return lo.Map(l, func(a Address, _ int) string { return a.Address })
}

// Names returns the display names in order. Entries without a display name
// yield an empty string so positions line up with Addresses.
func (l AddressList) Names() []string {
	return lo.Map(l, func(a Address, _ int) string { return a.Name })
}

// Formatted returns every entry rendered with Address.String.
func (l AddressList) Formatted() []string {
	return lo.Map(l, func(a Address, _ int) string { return a.String() })
}

// First returns the first address and whether the list was non-empty.
func (l AddressList) First() (Address, bool) {
	if len(l) == 0 {
		return Address{}, false
	}
	return l[0], true
}

// Merge concatenates lists. A mailbox seen again keeps its first position
// and takes the later display name.
func Merge(lists ...AddressList) AddressList {
	var merged AddressList
	index := make(map[string]int)

	for _, list := range lists {
		for _, a := range list {
			if i, ok := index[a.Address]; ok {
				merged[i].Name = a.Name
				continue
			}
			index[a.Address] = len(merged)
			merged = append(merged, a)
		}
	}

	return merged
}

// ParseAddressList parses an RFC 5322 address list header value. If strict
// parsing fails the value is split on commas and each entry is kept as a
// bare address.
func ParseAddressList(raw string) AddressList {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(raw)
	if err != nil {
		var list AddressList
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				list = append(list, Address{Address: trimmed})
			}
		}
		return list
	}

	list := make(AddressList, 0, len(parsed))
	for _, a := range parsed {
		list = append(list, Address{Address: a.Address, Name: a.Name})
	}
	return list
}

// Addrs builds a list of bare addresses.
func Addrs(addrs ...string) AddressList {
	return lo.Map(addrs, func(a string, _ int) Address { return Address{Address: a} })
}
