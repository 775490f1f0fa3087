package correlation

import (
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
)

var (
	md5Pattern   = regexp.MustCompile(`^[a-f0-9]{32}$`)
	ipv4Pattern  = regexp.MustCompile(`^(([0-9]|[1-9][0-9]|1[0-9]{2}|2[0-4][0-9]|25[0-5])\.){3}([0-9]|[1-9][0-9]|1[0-9]{2}|2[0-4][0-9]|25[0-5])$`)
	labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9()\-\s]+$`)
	phoneStrip   = regexp.MustCompile(`[^0-9+]`)
	usbPattern   = regexp.MustCompile(`^(0x)?[a-f0-9]{4}[:/\\ \-.]?(0x)?[a-f0-9]{4}$`)
	macPattern   = regexp.MustCompile(`^([a-f0-9]{12}|[a-f0-9]{16})$`)
	imeiPattern  = regexp.MustCompile(`^[0-9]{14,16}$`)
	imsiPattern  = regexp.MustCompile(`^[0-9]{14,15}$`)
	iccidPattern = regexp.MustCompile(`^89[f0-9]{17,22}$`)
)

// localDomains are single-label names accepted without a public suffix.
var localDomains = map[string]bool{
	"localhost":   true,
	"localdomain": true,
}

// Normalize canonicalizes raw for the correlation type typeID. Leading and
// trailing whitespace is ignored. Failures are *apperrors.NormalizationError.
func Normalize(typeID int, raw string) (string, error) {
	data := strings.TrimSpace(raw)
	if data == "" {
		return "", apperrors.NewNormalizationError(apperrors.ErrNullOrEmptyInput, typeID, raw, "")
	}

	switch typeID {
	case FilesTypeID:
		return normalizeMD5(typeID, data)
	case DomainTypeID:
		return normalizeDomain(typeID, data)
	case EmailTypeID:
		return normalizeEmail(typeID, data)
	case PhoneTypeID:
		return normalizePhone(typeID, data)
	case USBTypeID:
		return normalizeUSB(typeID, data)
	case MACTypeID:
		return normalizeMAC(typeID, data)
	case IMEITypeID:
		return normalizeDigits(typeID, data, imeiPattern, "expected 14 to 16 digits")
	case IMSITypeID:
		return normalizeDigits(typeID, data, imsiPattern, "expected 14 or 15 digits")
	case ICCIDTypeID:
		return normalizeICCID(typeID, data)
	case SSIDTypeID, InstalledProgsTypeID, OSAccountTypeID:
		return data, nil
	}

	if typeID >= CustomTypeIDOffset {
		return data, nil
	}
	return "", apperrors.NewNormalizationError(apperrors.ErrUnknownAttributeType, typeID, raw, "")
}

// NormalizeType is Normalize keyed by a Type.
func NormalizeType(t Type, raw string) (string, error) {
	return Normalize(t.ID, raw)
}

func invalid(typeID int, value, reason string) error {
	return apperrors.NewNormalizationError(apperrors.ErrInvalidFormat, typeID, value, reason)
}

func normalizeMD5(typeID int, data string) (string, error) {
	lower := strings.ToLower(data)
	if !md5Pattern.MatchString(lower) {
		return "", invalid(typeID, data, "expected 32 hex characters")
	}
	return lower, nil
}

func normalizeDomain(typeID int, data string) (string, error) {
	lower := strings.ToLower(data)
	if validDomain(lower) || ipv4Pattern.MatchString(lower) {
		return lower, nil
	}
	return "", invalid(typeID, data, "not a domain name or IPv4 address")
}

// validDomain checks label syntax and requires the top-level label to be an
// ICANN public suffix. Single-label local names are allowed.
func validDomain(domain string) bool {
	if len(domain) > 253 {
		return false
	}
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if !labelPattern.MatchString(label) {
			return false
		}
	}
	if len(labels) == 1 {
		return localDomains[domain]
	}

	tld := labels[len(labels)-1]
	suffix, icann := publicsuffix.PublicSuffix(tld)
	return icann && suffix == tld
}

func normalizeEmail(typeID int, data string) (string, error) {
	addr, err := mail.ParseAddress(data)
	if err != nil || addr.Name != "" || addr.Address != data {
		return "", invalid(typeID, data, "not a bare email address")
	}

	at := strings.LastIndexByte(data, '@')
	local, domain := data[:at], data[at+1:]
	if local == "" || len(local) > 64 {
		return "", invalid(typeID, data, "invalid local part")
	}
	if _, err := normalizeDomain(typeID, domain); err != nil {
		return "", invalid(typeID, data, "invalid domain part")
	}
	return strings.ToLower(data), nil
}

func normalizePhone(typeID int, data string) (string, error) {
	if !phonePattern.MatchString(data) {
		return "", invalid(typeID, data, "only +, digits, spaces, dashes and parentheses are allowed")
	}
	stripped := phoneStrip.ReplaceAllString(data, "")
	if strings.Trim(stripped, "+") == "" {
		return "", invalid(typeID, data, "no digits")
	}
	return stripped, nil
}

func normalizeUSB(typeID int, data string) (string, error) {
	lower := strings.ToLower(data)
	if !usbPattern.MatchString(lower) {
		return "", invalid(typeID, data, "expected vendor and product ids as two groups of 4 hex digits")
	}
	return lower, nil
}

func normalizeMAC(typeID int, data string) (string, error) {
	stripped := strings.NewReplacer("-", "", ":", "", " ", "", ".", "").Replace(strings.ToLower(data))
	if !macPattern.MatchString(stripped) {
		return "", invalid(typeID, data, "expected a 48 or 64 bit hardware address")
	}
	return stripped, nil
}

func normalizeDigits(typeID int, data string, pattern *regexp.Regexp, reason string) (string, error) {
	stripped := strings.NewReplacer("-", "", " ", "").Replace(data)
	if !pattern.MatchString(stripped) {
		return "", invalid(typeID, data, reason)
	}
	return stripped, nil
}

func normalizeICCID(typeID int, data string) (string, error) {
	stripped := strings.ToLower(strings.NewReplacer("-", "", " ", "").Replace(data))
	if !iccidPattern.MatchString(stripped) {
		return "", invalid(typeID, data, "expected 89 followed by 17 to 22 digits")
	}
	return stripped, nil
}
