package crypto11

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11crypto/cryptoerr"
	"github.com/miekg/pkcs11"
)

// SlotTokenInfo provides info about the slot and the token in it
type SlotTokenInfo struct {
	id           uint
	description  string
	label        string
	manufacturer string
	model        string
	serial       string
	flags        uint
}

// TokenInfo provides basic info about the token
type TokenInfo struct {
	SlotID       uint   `json:"slot_id" yaml:"slot_id"`
	Description  string `json:"description,omitempty" yaml:"description"`
	Label        string `json:"label,omitempty" yaml:"label"`
	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer"`
	Model        string `json:"model,omitempty" yaml:"model"`
	Serial       string `json:"serial,omitempty" yaml:"serial"`
}

// ProviderInfo describes the loaded library and the opened slot
type ProviderInfo struct {
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description"`
	Path          string `json:"path" yaml:"path"`
	Slot          uint   `json:"slot" yaml:"slot"`
	Label         string `json:"label,omitempty" yaml:"label"`
	Manufacturer  string `json:"manufacturer,omitempty" yaml:"manufacturer"`
	Model         string `json:"model,omitempty" yaml:"model"`
	Serial        string `json:"serial,omitempty" yaml:"serial"`
	ReadWrite     bool   `json:"read_write" yaml:"read_write"`
	LoginRequired bool   `json:"login_required" yaml:"login_required"`
	Mechanisms    int    `json:"mechanisms" yaml:"mechanisms"`
}

// CurrentSlotID returns current slot ID
func (lib *PKCS11Lib) CurrentSlotID() uint {
	return lib.Slot.id
}

// Info returns the provider info
func (lib *PKCS11Lib) Info() *ProviderInfo {
	name := lib.Cfg.Name
	if name == "" {
		name = lib.Slot.label
	}
	return &ProviderInfo{
		Name:          name,
		Description:   lib.Slot.description,
		Path:          lib.Cfg.Path,
		Slot:          lib.Slot.id,
		Label:         lib.Slot.label,
		Manufacturer:  lib.Slot.manufacturer,
		Model:         lib.Slot.model,
		Serial:        lib.Slot.serial,
		ReadWrite:     lib.Cfg.ReadWrite,
		LoginRequired: lib.loginRequired,
		Mechanisms:    len(lib.mechanisms),
	}
}

// TokensInfo returns list of tokens
func (lib *PKCS11Lib) TokensInfo(ctx context.Context) ([]*SlotTokenInfo, error) {
	list := []*SlotTokenInfo{}
	err := lib.Do(ctx, func(m Module, _ pkcs11.SessionHandle) error {
		slots, err := m.GetSlotList(true)
		if err != nil {
			return cryptoerr.Token("C_GetSlotList", err)
		}

		logger.Tracef("slots=%d", len(slots))

		for _, slotID := range slots {
			si, err := m.GetSlotInfo(slotID)
			if err != nil {
				return errors.WithMessagef(cryptoerr.Token("C_GetSlotInfo", err), "slot %d", slotID)
			}
			ti, err := m.GetTokenInfo(slotID)
			if err != nil {
				logger.Errorf(
					"reason=GetTokenInfo, slotID=%d, ManufacturerID=%q, SlotDescription=%q, err=[%+v]",
					slotID,
					si.ManufacturerID,
					si.SlotDescription,
					err,
				)
			} else if ti.SerialNumber != "" || ti.Label != "" {
				list = append(list, &SlotTokenInfo{
					id:           slotID,
					description:  strings.TrimSpace(si.SlotDescription),
					label:        strings.TrimSpace(ti.Label),
					manufacturer: strings.TrimSpace(ti.ManufacturerID),
					model:        strings.TrimSpace(ti.Model),
					serial:       strings.TrimSpace(ti.SerialNumber),
					flags:        ti.Flags,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// EnumTokens enumerates tokens
func (lib *PKCS11Lib) EnumTokens(ctx context.Context, currentSlotOnly bool) ([]TokenInfo, error) {
	if currentSlotOnly {
		return []TokenInfo{lib.Slot.TokenInfo()}, nil
	}

	list, err := lib.TokensInfo(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]TokenInfo, len(list))
	for i, ti := range list {
		res[i] = ti.TokenInfo()
	}
	return res, nil
}

// TokenInfo returns exported info
func (si *SlotTokenInfo) TokenInfo() TokenInfo {
	return TokenInfo{
		SlotID:       si.id,
		Description:  si.description,
		Label:        si.label,
		Manufacturer: si.manufacturer,
		Model:        si.model,
		Serial:       si.serial,
	}
}
