package capability

import (
	"github.com/wippyai/caprpc/errors"
	"github.com/wippyai/caprpc/wire"
)

// NewInterface adds c to the capability table of s's message and returns
// a pointer to the entry. The table takes ownership of c.
func NewInterface(s *wire.Segment, c *Client) wire.Interface {
	id := s.Message().CapTable.Add(c)
	return wire.NewInterface(s, id)
}

// SetClient stores c in pointer field i of s. The message takes
// ownership of c.
func SetClient(s wire.Struct, i uint16, c *Client) error {
	if c == nil {
		return s.SetPtr(i, wire.Ptr{})
	}
	_, err := s.SetCap(i, c)
	return err
}

// ReadClient returns a new reference to the capability in pointer field
// i of s. A null field yields the nil client.
func ReadClient(s wire.Struct, i uint16) (*Client, error) {
	iface, err := s.ReadCap(i)
	if err != nil {
		return nil, err
	}
	return InterfaceClient(iface)
}

// InterfaceClient returns a new reference to the capability iface points
// at.
func InterfaceClient(iface wire.Interface) (*Client, error) {
	if !iface.IsValid() {
		return nil, nil
	}
	ref, err := iface.Ref()
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, nil
	}
	c, ok := ref.(*Client)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseDecode, nil, "*capability.Client", "foreign capability reference")
	}
	return c.AddRef(), nil
}
