package domain

import "strings"

type BloodType string

const (
	BloodOMinus  BloodType = "O-"
	BloodOPlus   BloodType = "O+"
	BloodAMinus  BloodType = "A-"
	BloodAPlus   BloodType = "A+"
	BloodBMinus  BloodType = "B-"
	BloodBPlus   BloodType = "B+"
	BloodABMinus BloodType = "AB-"
	BloodABPlus  BloodType = "AB+"
)

var BloodTypes = []BloodType{BloodOMinus, BloodOPlus, BloodAMinus, BloodAPlus, BloodBMinus, BloodBPlus, BloodABMinus, BloodABPlus}

// acceptedDonors maps a recipient blood type to the donor types it can receive.
var acceptedDonors = map[BloodType][]BloodType{
	BloodOMinus:  {BloodOMinus},
	BloodOPlus:   {BloodOMinus, BloodOPlus},
	BloodAMinus:  {BloodOMinus, BloodAMinus},
	BloodAPlus:   {BloodOMinus, BloodOPlus, BloodAMinus, BloodAPlus},
	BloodBMinus:  {BloodOMinus, BloodBMinus},
	BloodBPlus:   {BloodOMinus, BloodOPlus, BloodBMinus, BloodBPlus},
	BloodABMinus: {BloodOMinus, BloodAMinus, BloodBMinus, BloodABMinus},
	BloodABPlus:  {BloodOMinus, BloodOPlus, BloodAMinus, BloodAPlus, BloodBMinus, BloodBPlus, BloodABMinus, BloodABPlus},
}

// IsCompatible reports whether a recipient may receive an organ from donor.
// Unknown blood types on either side are never compatible.
func IsCompatible(recipient, donor BloodType) bool {
	for _, accepted := range acceptedDonors[recipient] {
		if accepted == donor {
			return true
		}
	}
	return false
}

func (b BloodType) Valid() bool {
	_, ok := acceptedDonors[b]
	return ok
}

func ParseBloodType(raw string) (BloodType, error) {
	b := BloodType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", "")))
	if !b.Valid() {
		return "", Invalid("unknown blood type %q", raw)
	}
	return b, nil
}

func ParseOrganType(raw string) (OrganType, error) {
	t := OrganType(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range OrganTypes {
		if t == known {
			return t, nil
		}
	}
	return "", Invalid("unknown organ type %q", raw)
}
