package chain

import (
	"bytes"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"

	"github.com/threefoldtech/minting/types"
)

// decodeFull decodes data into target and verifies the blob is fully
// consumed. Schema versions frequently differ only in trailing fields, so a
// decoder for the wrong version can succeed while leaving bytes behind;
// requiring full consumption is what makes trying decoders in order sound.
func decodeFull(data []byte, target interface{}) error {
	buf := bytes.NewReader(data)
	decoder := scale.NewDecoder(buf)
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if buf.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after decoding", buf.Len())
	}
	return nil
}

// accountID is a raw ss58 account id.
type accountID [32]byte

// wireResources is the resource vector as stored on chain.
type wireResources struct {
	HRU uint64
	SRU uint64
	CRU uint64
	MRU uint64
}

func (r wireResources) toCanonical() types.Resources {
	return types.Resources{HRU: r.HRU, SRU: r.SRU, CRU: r.CRU, MRU: r.MRU}
}

// wireNodeCertification is the node certification enum.
type wireNodeCertification struct {
	Certified bool
}

func (c *wireNodeCertification) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	switch b {
	case 0:
		c.Certified = false
	case 1:
		c.Certified = true
	default:
		return fmt.Errorf("invalid node certification variant %d", b)
	}
	return nil
}

func (c wireNodeCertification) toCanonical() types.NodeCertification {
	if c.Certified {
		return types.CertificationCertified
	}
	return types.CertificationDiy
}

// wireFarmCertification is the farm certification enum.
type wireFarmCertification struct {
	Gold bool
}

func (c *wireFarmCertification) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	switch b {
	case 0:
		c.Gold = false
	case 1:
		c.Gold = true
	default:
		return fmt.Errorf("invalid farm certification variant %d", b)
	}
	return nil
}

func (c wireFarmCertification) toCanonical() types.FarmCertification {
	if c.Gold {
		return types.FarmGold
	}
	return types.FarmNotCertified
}

// wirePower is the power target enum.
type wirePower struct {
	IsDown bool
}

func (p *wirePower) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	switch b {
	case 0:
		p.IsDown = false
	case 1:
		p.IsDown = true
	default:
		return fmt.Errorf("invalid power variant %d", b)
	}
	return nil
}

func (p wirePower) toCanonical() types.Power {
	if p.IsDown {
		return types.PowerDown
	}
	return types.PowerUp
}

// wirePowerState is the reported power state enum. A node which went down
// remembers the block at which it did.
type wirePowerState struct {
	IsDown    bool
	DownBlock uint32
}

func (p *wirePowerState) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	switch b {
	case 0:
		p.IsDown = false
	case 1:
		p.IsDown = true
		return decoder.Decode(&p.DownBlock)
	default:
		return fmt.Errorf("invalid power state variant %d", b)
	}
	return nil
}

func (p wirePowerState) toCanonical() types.PowerState {
	return types.PowerState{Down: p.IsDown, AsOf: p.DownBlock}
}

// wirePublicIP is a public ip entry of a farm or node contract.
type wirePublicIP struct {
	IP         string
	Gateway    string
	ContractID uint64
}

// wirePublicConfig is the optional public network config of a node.
type wirePublicConfig struct {
	IPv4   string
	IPv6   string
	GW4    string
	GW6    string
	Domain string
}

type optionPublicConfig struct {
	HasValue bool
	Value    wirePublicConfig
}

func (o *optionPublicConfig) Decode(decoder scale.Decoder) error {
	return decoder.DecodeOption(&o.HasValue, &o.Value)
}

// wireInterface is a network interface of a node.
type wireInterface struct {
	Name string
	Mac  string
	IPs  []string
}

// wireLocation is the node location as stored by the early runtimes, without
// city and country.
type wireLocation struct {
	Longitude string
	Latitude  string
}

// wireCityLocation is the node location of the later runtimes, which folded
// city and country into the location itself.
type wireCityLocation struct {
	City      string
	Country   string
	Latitude  string
	Longitude string
}

type optionString struct {
	HasValue bool
	Value    string
}

func (o *optionString) Decode(decoder scale.Decoder) error {
	return decoder.DecodeOption(&o.HasValue, &o.Value)
}

type optionBytes struct {
	HasValue bool
	Value    []byte
}

func (o *optionBytes) Decode(decoder scale.Decoder) error {
	return decoder.DecodeOption(&o.HasValue, &o.Value)
}

type optionU64 struct {
	HasValue bool
	Value    uint64
}

func (o *optionU64) Decode(decoder scale.Decoder) error {
	return decoder.DecodeOption(&o.HasValue, &o.Value)
}

type optionU32 struct {
	HasValue bool
	Value    uint32
}

func (o *optionU32) Decode(decoder scale.Decoder) error {
	return decoder.DecodeOption(&o.HasValue, &o.Value)
}

// wireEntityProof links a twin to an entity.
type wireEntityProof struct {
	EntityID  uint32
	Signature []byte
}

// wireFarmingPolicyLimit bounds what a farm can claim under a custom policy.
type wireFarmingPolicyLimit struct {
	FarmingPolicyID   uint32
	CU                optionU64
	SU                optionU64
	End               optionU64
	NodeCount         optionU32
	NodeCertification bool
}

type optionFarmingPolicyLimit struct {
	HasValue bool
	Value    wireFarmingPolicyLimit
}

func (o *optionFarmingPolicyLimit) Decode(decoder scale.Decoder) error {
	return decoder.DecodeOption(&o.HasValue, &o.Value)
}

// wireContractState is the lifecycle state of a contract.
type wireContractState struct {
	variant     byte
	gracePeriod uint64
}

func (s *wireContractState) Decode(decoder scale.Decoder) error {
	b, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	s.variant = b
	switch b {
	case 0: // Created
		return nil
	case 1: // Deleted(cause)
		_, err = decoder.ReadOneByte()
		return err
	case 2: // GracePeriod(block)
		return decoder.Decode(&s.gracePeriod)
	default:
		return fmt.Errorf("invalid contract state variant %d", b)
	}
}

// errUnknownVariant helps custom decoders reject unknown discriminants
// early, so the version fallthrough can move on to the next decoder.
func errUnknownVariant(what string, b byte) error {
	return fmt.Errorf("%s: unknown variant %d", what, b)
}
