// Package correlation defines the correlation attribute types and the
// normalization rules applied to every value before it is stored or
// compared.
package correlation

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
)

// Built-in correlation type ids. These are persisted and must never change.
const (
	FilesTypeID          = 0
	DomainTypeID         = 1
	EmailTypeID          = 2
	PhoneTypeID          = 3
	USBTypeID            = 4
	SSIDTypeID           = 5
	MACTypeID            = 6
	IMEITypeID           = 7
	IMSITypeID           = 8
	ICCIDTypeID          = 9
	InstalledProgsTypeID = 10
	OSAccountTypeID      = 11

	// CustomTypeIDOffset is the first id handed to account-derived and
	// user-defined types.
	CustomTypeIDOffset = 1000
)

// Type is a correlation attribute type. Construct it with NewType so the
// table fragment is always validated.
type Type struct {
	ID          int
	DisplayName string
	Table       TableName
	Supported   bool
	Enabled     bool
}

// NewType validates fragment and builds a Type.
func NewType(id int, displayName, fragment string, supported, enabled bool) (Type, error) {
	table, err := ParseTableName(fragment)
	if err != nil {
		return Type{}, err
	}
	if strings.TrimSpace(displayName) == "" {
		return Type{}, fmt.Errorf("%w: correlation type display name is empty", apperrors.ErrInvalidArgument)
	}
	return Type{
		ID:          id,
		DisplayName: displayName,
		Table:       table,
		Supported:   supported,
		Enabled:     enabled,
	}, nil
}

// InstanceTable returns the physical instance table name.
func (t Type) InstanceTable() string { return t.Table.Instances() }

// ReferenceTable returns the physical reference table name.
func (t Type) ReferenceTable() string { return t.Table.Reference() }

// HasAccount reports whether instances of this type carry an account_id.
func (t Type) HasAccount() bool {
	return t.ID >= CustomTypeIDOffset || t.ID == EmailTypeID || t.ID == PhoneTypeID
}

// SupportsReferenceSets reports whether a reference_{fragment} table exists
// for this type. Only file hashes have reference sets.
func (t Type) SupportsReferenceSets() bool { return t.ID == FilesTypeID }

func (t Type) IsBuiltIn() bool { return t.ID >= 0 && t.ID < CustomTypeIDOffset }

func (t Type) String() string {
	return fmt.Sprintf("%s (%d)", t.DisplayName, t.ID)
}

// AccountKind is an external account type the evidence store knows about.
type AccountKind struct {
	TypeName    string
	DisplayName string
}

// PredefinedAccountKinds mirrors the evidence store's predefined account
// types, in their declared order. Order matters: it assigns the ids of the
// account-derived correlation types.
var PredefinedAccountKinds = []AccountKind{
	{TypeName: "DEVICE", DisplayName: "Device"},
	{TypeName: "PHONE", DisplayName: "Phone"},
	{TypeName: "EMAIL", DisplayName: "Email"},
	{TypeName: "FACEBOOK", DisplayName: "Facebook"},
	{TypeName: "TWITTER", DisplayName: "Twitter"},
	{TypeName: "INSTAGRAM", DisplayName: "Instagram"},
	{TypeName: "WHATSAPP", DisplayName: "WhatsApp"},
	{TypeName: "MESSAGING_APP", DisplayName: "MessagingApp"},
	{TypeName: "WEBSITE", DisplayName: "Website"},
	{TypeName: "IMO", DisplayName: "IMO"},
	{TypeName: "ICQ", DisplayName: "ICQ"},
	{TypeName: "LINE", DisplayName: "LINE"},
	{TypeName: "SKYPE", DisplayName: "Skype"},
	{TypeName: "TANGO", DisplayName: "Tango"},
	{TypeName: "TEXTNOW", DisplayName: "TextNow"},
	{TypeName: "THREEMA", DisplayName: "ThreeMa"},
	{TypeName: "VIBER", DisplayName: "Viber"},
	{TypeName: "XENDER", DisplayName: "Xender"},
	{TypeName: "ZAPYA", DisplayName: "Zapya"},
	{TypeName: "SHAREIT", DisplayName: "ShareIt"},
}

// AccountFragment returns the table fragment used for the correlation type
// derived from an account kind.
func AccountFragment(kind AccountKind) string {
	return strings.ToLower(kind.TypeName) + "_acct"
}

// skipsAccountDerivedType reports whether kind already has a dedicated
// built-in correlation type (or none at all, for devices).
func skipsAccountDerivedType(kind AccountKind) bool {
	switch kind.TypeName {
	case "DEVICE", "EMAIL", "PHONE":
		return true
	}
	return false
}

var builtInTypes = []struct {
	id       int
	name     string
	fragment string
}{
	{FilesTypeID, "Files", "file"},
	{DomainTypeID, "Domains", "domain"},
	{EmailTypeID, "Email Addresses", "email_address"},
	{PhoneTypeID, "Phone Numbers", "phone_number"},
	{USBTypeID, "USB Devices", "usb_devices"},
	{SSIDTypeID, "Wireless Networks", "wireless_networks"},
	{MACTypeID, "MAC Addresses", "mac_address"},
	{IMEITypeID, "IMEI Number", "imei_number"},
	{IMSITypeID, "IMSI Number", "imsi_number"},
	{ICCIDTypeID, "ICCID Number", "iccid_number"},
	{InstalledProgsTypeID, "Installed Programs", "installed_programs"},
	{OSAccountTypeID, "OS Accounts", "os_accounts"},
}

// BuiltInTypes returns the hardcoded types with ids below CustomTypeIDOffset.
func BuiltInTypes() []Type {
	types := make([]Type, 0, len(builtInTypes))
	for _, b := range builtInTypes {
		types = append(types, Type{
			ID:          b.id,
			DisplayName: b.name,
			Table:       MustTableName(b.fragment),
			Supported:   true,
			Enabled:     true,
		})
	}
	return types
}

// AccountDerivedTypes returns one type per predefined account kind that
// lacks a dedicated built-in type, with sequential ids from
// CustomTypeIDOffset.
func AccountDerivedTypes() []Type {
	var types []Type
	id := CustomTypeIDOffset
	for _, kind := range PredefinedAccountKinds {
		if skipsAccountDerivedType(kind) {
			continue
		}
		types = append(types, Type{
			ID:          id,
			DisplayName: kind.DisplayName,
			Table:       MustTableName(AccountFragment(kind)),
			Supported:   true,
			Enabled:     true,
		})
		id++
	}
	return types
}

// DefaultTypes is the full default catalog: built-ins followed by the
// account-derived types.
func DefaultTypes() []Type {
	return append(BuiltInTypes(), AccountDerivedTypes()...)
}

// CorrelationTypeIDForAccountKind returns the correlation type id that
// instances of the given account kind are stored under.
func CorrelationTypeIDForAccountKind(typeName string) (int, bool) {
	switch typeName {
	case "EMAIL":
		return EmailTypeID, true
	case "PHONE":
		return PhoneTypeID, true
	}
	id := CustomTypeIDOffset
	for _, kind := range PredefinedAccountKinds {
		if skipsAccountDerivedType(kind) {
			continue
		}
		if kind.TypeName == typeName {
			return id, true
		}
		id++
	}
	return 0, false
}

// FindType returns the type with the given id from types.
func FindType(types []Type, id int) (Type, bool) {
	for _, t := range types {
		if t.ID == id {
			return t, true
		}
	}
	return Type{}, false
}
