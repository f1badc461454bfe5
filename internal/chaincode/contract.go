// Package chaincode holds the ledger-side contract for organs, patients and
// governance proposals. The same logic runs inside the Fabric chaincode host
// and the embedded development ledger.
package chaincode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

// State is the key/value view a host exposes to the contract. The Fabric
// chaincode stub satisfies it.
type State interface {
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
}

var ErrUnknownFunction = errors.New("unknown contract function")

var categories = map[string]domain.LedgerCategory{
	domain.FnRegisterOrgan:             domain.LedgerOrgan,
	domain.FnAllocateOrgan:             domain.LedgerOrgan,
	domain.FnReleaseOrgan:              domain.LedgerOrgan,
	domain.FnGetOrgan:                  domain.LedgerOrgan,
	domain.FnRegisterPatient:           domain.LedgerPatient,
	domain.FnUpdateUrgency:             domain.LedgerPatient,
	domain.FnRemovePatient:             domain.LedgerPatient,
	domain.FnGetPatient:                domain.LedgerPatient,
	domain.FnCreateProposal:            domain.LedgerGovernance,
	domain.FnCastVote:                  domain.LedgerGovernance,
	domain.FnFinalizeProposal:          domain.LedgerGovernance,
	domain.FnEmergencyFinalizeProposal: domain.LedgerGovernance,
	domain.FnExecuteProposal:           domain.LedgerGovernance,
	domain.FnGetProposal:               domain.LedgerGovernance,
	domain.FnGetVoteTotals:             domain.LedgerGovernance,
}

// CategoryOf returns the contract namespace that owns fn.
func CategoryOf(fn string) (domain.LedgerCategory, bool) {
	c, ok := categories[fn]
	return c, ok
}

// Contract is stateless; every call reads and writes through the given State.
// Replaying an identical write succeeds without changing state.
type Contract struct{}

func (c Contract) Submit(state State, category domain.LedgerCategory, fn string, payload []byte) error {
	if err := checkCategory(category, fn); err != nil {
		return err
	}
	switch fn {
	case domain.FnRegisterOrgan:
		var in OrganRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.registerOrgan(state, in)
	case domain.FnAllocateOrgan:
		var in AllocationRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.allocateOrgan(state, in)
	case domain.FnReleaseOrgan:
		var in ReleaseRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.releaseOrgan(state, in)
	case domain.FnRegisterPatient:
		var in PatientRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.registerPatient(state, in)
	case domain.FnUpdateUrgency:
		var in UrgencyRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.updateUrgency(state, in)
	case domain.FnRemovePatient:
		var in RemovalRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.removePatient(state, in)
	case domain.FnCreateProposal:
		var in ProposalRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.createProposal(state, in)
	case domain.FnCastVote:
		var in VoteRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.castVote(state, in)
	case domain.FnFinalizeProposal, domain.FnEmergencyFinalizeProposal:
		var in FinalizeRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.finalizeProposal(state, in, fn == domain.FnEmergencyFinalizeProposal)
	case domain.FnExecuteProposal:
		var in ExecuteRecord
		if err := decode(payload, &in); err != nil {
			return err
		}
		return c.executeProposal(state, in)
	}
	return fmt.Errorf("%w: %s is not a submit function", ErrUnknownFunction, fn)
}

func (c Contract) Query(state State, category domain.LedgerCategory, fn string, payload []byte) ([]byte, error) {
	if err := checkCategory(category, fn); err != nil {
		return nil, err
	}
	var in Lookup
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	switch fn {
	case domain.FnGetOrgan:
		return readRaw(state, organKey(in.OrganID), "organ "+in.OrganID)
	case domain.FnGetPatient:
		return readRaw(state, patientKey(in.RecipientID), "patient "+in.RecipientID)
	case domain.FnGetProposal:
		return readRaw(state, proposalKey(in.ProposalID), fmt.Sprintf("proposal %d", in.ProposalID))
	case domain.FnGetVoteTotals:
		var p ProposalRecord
		if err := read(state, proposalKey(in.ProposalID), &p); err != nil {
			return nil, err
		}
		return json.Marshal(VoteTotals{
			ProposalID:   p.ProposalID,
			Status:       p.Status,
			VotesFor:     p.VotesFor,
			VotesAgainst: p.VotesAgainst,
			VotesAbstain: p.VotesAbstain,
			VoteCount:    p.VoteCount,
		})
	}
	return nil, fmt.Errorf("%w: %s is not a query function", ErrUnknownFunction, fn)
}

func (Contract) registerOrgan(state State, in OrganRecord) error {
	if in.OrganID == "" {
		return errors.New("organ id is required")
	}
	var existing OrganRecord
	found, err := lookup(state, organKey(in.OrganID), &existing)
	if err != nil {
		return err
	}
	if found {
		if existing.OrganType == in.OrganType && existing.BloodType == in.BloodType && existing.ExpiresAt.Equal(in.ExpiresAt) {
			return nil
		}
		return fmt.Errorf("organ %s already registered", in.OrganID)
	}
	if !in.ExpiresAt.After(in.HarvestedAt) {
		return fmt.Errorf("organ %s expires before it was harvested", in.OrganID)
	}
	in.Status = string(domain.OrganAvailable)
	in.AllocatedTo = ""
	in.MatchID = ""
	in.UpdatedAt = in.HarvestedAt
	return write(state, organKey(in.OrganID), in)
}

func (Contract) allocateOrgan(state State, in AllocationRecord) error {
	var organ OrganRecord
	if err := read(state, organKey(in.OrganID), &organ); err != nil {
		return err
	}
	if organ.Status == string(domain.OrganAllocated) && organ.MatchID == in.MatchID && organ.AllocatedTo == in.RecipientID {
		return nil
	}
	if organ.Status != string(domain.OrganAvailable) {
		return fmt.Errorf("organ %s is %s, not available", in.OrganID, organ.Status)
	}
	if !in.AllocatedAt.Before(organ.ExpiresAt) {
		return fmt.Errorf("organ %s expired at %s", in.OrganID, organ.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	var patient PatientRecord
	found, err := lookup(state, patientKey(in.RecipientID), &patient)
	if err != nil {
		return err
	}
	if found {
		if !patient.Active || patient.Matched {
			return fmt.Errorf("patient %s is not waiting", in.RecipientID)
		}
		if !domain.IsCompatible(domain.BloodType(patient.BloodType), domain.BloodType(organ.BloodType)) {
			return fmt.Errorf("patient %s (%s) cannot receive %s", in.RecipientID, patient.BloodType, organ.BloodType)
		}
		patient.Matched = true
		patient.UpdatedAt = in.AllocatedAt
		if err := write(state, patientKey(in.RecipientID), patient); err != nil {
			return err
		}
	}

	organ.Status = string(domain.OrganAllocated)
	organ.AllocatedTo = in.RecipientID
	organ.MatchID = in.MatchID
	organ.UpdatedAt = in.AllocatedAt
	return write(state, organKey(in.OrganID), organ)
}

// releaseOrgan undoes an allocation after its match was rejected.
func (Contract) releaseOrgan(state State, in ReleaseRecord) error {
	var organ OrganRecord
	if err := read(state, organKey(in.OrganID), &organ); err != nil {
		return err
	}
	if organ.MatchID != in.MatchID {
		if organ.Status == string(domain.OrganAvailable) {
			return nil
		}
		return fmt.Errorf("organ %s is held by another match", in.OrganID)
	}
	if organ.Status != string(domain.OrganAllocated) {
		return fmt.Errorf("organ %s is %s, not allocated", in.OrganID, organ.Status)
	}

	var patient PatientRecord
	found, err := lookup(state, patientKey(organ.AllocatedTo), &patient)
	if err != nil {
		return err
	}
	if found {
		patient.Matched = false
		patient.UpdatedAt = in.ReleasedAt
		if err := write(state, patientKey(organ.AllocatedTo), patient); err != nil {
			return err
		}
	}

	organ.Status = string(domain.OrganAvailable)
	organ.AllocatedTo = ""
	organ.MatchID = ""
	organ.UpdatedAt = in.ReleasedAt
	return write(state, organKey(in.OrganID), organ)
}

func (Contract) registerPatient(state State, in PatientRecord) error {
	if in.RecipientID == "" {
		return errors.New("recipient id is required")
	}
	var existing PatientRecord
	found, err := lookup(state, patientKey(in.RecipientID), &existing)
	if err != nil {
		return err
	}
	if found {
		if existing.OrganType == in.OrganType && existing.BloodType == in.BloodType {
			return nil
		}
		return fmt.Errorf("patient %s already registered", in.RecipientID)
	}
	if in.UrgencyLevel < domain.MinUrgencyLevel || in.UrgencyLevel > domain.MaxUrgencyLevel {
		return fmt.Errorf("urgency level %d out of range", in.UrgencyLevel)
	}
	in.Active = true
	in.Matched = false
	in.UpdatedAt = in.RegisteredAt
	return write(state, patientKey(in.RecipientID), in)
}

func (Contract) updateUrgency(state State, in UrgencyRecord) error {
	var patient PatientRecord
	if err := read(state, patientKey(in.RecipientID), &patient); err != nil {
		return err
	}
	if !patient.Active {
		return fmt.Errorf("patient %s is not active", in.RecipientID)
	}
	if in.NewLevel < domain.MinUrgencyLevel || in.NewLevel > domain.MaxUrgencyLevel {
		return fmt.Errorf("urgency level %d out of range", in.NewLevel)
	}
	if in.ProposalID != 0 {
		if err := requireExecutable(state, in.ProposalID); err != nil {
			return err
		}
	}
	patient.UrgencyLevel = in.NewLevel
	patient.UpdatedAt = in.ChangedAt
	return write(state, patientKey(in.RecipientID), patient)
}

func (Contract) removePatient(state State, in RemovalRecord) error {
	var patient PatientRecord
	if err := read(state, patientKey(in.RecipientID), &patient); err != nil {
		return err
	}
	if !patient.Active {
		if patient.RemovedBy == in.ProposalID {
			return nil
		}
		return fmt.Errorf("patient %s already removed", in.RecipientID)
	}
	if err := requireExecutable(state, in.ProposalID); err != nil {
		return err
	}
	patient.Active = false
	patient.RemovedBy = in.ProposalID
	patient.UpdatedAt = in.RemovedAt
	return write(state, patientKey(in.RecipientID), patient)
}

func (Contract) createProposal(state State, in ProposalRecord) error {
	if in.ProposalID == 0 {
		return errors.New("proposal id is required")
	}
	var existing ProposalRecord
	found, err := lookup(state, proposalKey(in.ProposalID), &existing)
	if err != nil {
		return err
	}
	if found {
		if existing.CreatedBy == in.CreatedBy && existing.Type == in.Type && existing.CreatedAt.Equal(in.CreatedAt) {
			return nil
		}
		return fmt.Errorf("proposal %d already exists", in.ProposalID)
	}
	if !in.VotingDeadline.After(in.CreatedAt) {
		return fmt.Errorf("proposal %d deadline must be after creation", in.ProposalID)
	}
	in.Status = string(domain.ProposalActive)
	in.VotesFor, in.VotesAgainst, in.VotesAbstain, in.VoteCount = 0, 0, 0, 0
	in.FinalizedAt, in.ExecutedAt = nil, nil
	return write(state, proposalKey(in.ProposalID), in)
}

func (Contract) castVote(state State, in VoteRecord) error {
	var p ProposalRecord
	if err := read(state, proposalKey(in.ProposalID), &p); err != nil {
		return err
	}
	var existing VoteRecord
	found, err := lookup(state, voteKey(in.ProposalID, in.Voter), &existing)
	if err != nil {
		return err
	}
	if found {
		if existing.Choice == in.Choice && existing.Power == in.Power {
			return nil
		}
		return fmt.Errorf("%s already voted on proposal %d", in.Voter, in.ProposalID)
	}
	if p.Status != string(domain.ProposalActive) {
		return fmt.Errorf("proposal %d is %s", in.ProposalID, p.Status)
	}
	if !in.CastAt.Before(p.VotingDeadline) {
		return fmt.Errorf("voting on proposal %d closed", in.ProposalID)
	}
	if in.Power < domain.MinVotingPower {
		return fmt.Errorf("vote power %d is below minimum", in.Power)
	}
	if p.VotesFor+p.VotesAgainst+p.VotesAbstain+in.Power > p.TotalVotingPower {
		return fmt.Errorf("vote on proposal %d exceeds total voting power %d", in.ProposalID, p.TotalVotingPower)
	}
	switch domain.VoteChoice(in.Choice) {
	case domain.VoteFor:
		p.VotesFor += in.Power
	case domain.VoteAgainst:
		p.VotesAgainst += in.Power
	case domain.VoteAbstain:
		p.VotesAbstain += in.Power
	default:
		return fmt.Errorf("unknown vote choice %q", in.Choice)
	}
	p.VoteCount++
	if err := write(state, voteKey(in.ProposalID, in.Voter), in); err != nil {
		return err
	}
	return write(state, proposalKey(in.ProposalID), p)
}

// finalizeProposal recomputes the outcome from ledger totals and refuses a
// status that disagrees with it.
func (Contract) finalizeProposal(state State, in FinalizeRecord, emergency bool) error {
	var p ProposalRecord
	if err := read(state, proposalKey(in.ProposalID), &p); err != nil {
		return err
	}
	if p.Status == in.Status && p.FinalizedAt != nil && p.EmergencyFinalized == emergency {
		return nil
	}
	if p.Status != string(domain.ProposalActive) {
		return fmt.Errorf("proposal %d is %s", in.ProposalID, p.Status)
	}

	tallied := domain.Proposal{
		VotesFor:          p.VotesFor,
		VotesAgainst:      p.VotesAgainst,
		VotesAbstain:      p.VotesAbstain,
		TotalVotingPower:  p.TotalVotingPower,
		QuorumRequired:    p.QuorumRequired,
		ApprovalThreshold: p.ApprovalThreshold,
	}
	var want domain.ProposalStatus
	if emergency {
		t, err := domain.EmergencyOutcome(tallied)
		if err != nil {
			return err
		}
		want = t.Status
	} else {
		if in.FinalizedAt.Before(p.VotingDeadline) {
			return fmt.Errorf("voting on proposal %d is still open", in.ProposalID)
		}
		want = domain.StandardOutcome(tallied).Status
	}
	if string(want) != in.Status {
		return fmt.Errorf("proposal %d outcome is %s, not %s", in.ProposalID, want, in.Status)
	}

	at := in.FinalizedAt
	p.Status = in.Status
	p.FinalizedAt = &at
	p.EmergencyFinalized = emergency
	return write(state, proposalKey(in.ProposalID), p)
}

func (Contract) executeProposal(state State, in ExecuteRecord) error {
	var p ProposalRecord
	if err := read(state, proposalKey(in.ProposalID), &p); err != nil {
		return err
	}
	if p.Status == string(domain.ProposalExecuted) {
		return nil
	}
	if p.Status != string(domain.ProposalApproved) {
		return fmt.Errorf("proposal %d is %s, not approved", in.ProposalID, p.Status)
	}
	at := in.ExecutedAt
	p.Status = string(domain.ProposalExecuted)
	p.ExecutedAt = &at
	p.ExecutedBy = in.ExecutedBy
	return write(state, proposalKey(in.ProposalID), p)
}

func requireExecutable(state State, proposalID uint) error {
	var p ProposalRecord
	if err := read(state, proposalKey(proposalID), &p); err != nil {
		return err
	}
	if p.Status != string(domain.ProposalApproved) && p.Status != string(domain.ProposalExecuted) {
		return fmt.Errorf("proposal %d is %s, not approved", proposalID, p.Status)
	}
	return nil
}

func checkCategory(category domain.LedgerCategory, fn string) error {
	owner, ok := categories[fn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
	}
	if owner != category {
		return fmt.Errorf("function %s belongs to %s, not %s", fn, owner, category)
	}
	return nil
}

func organKey(id string) string { return "ORGAN_" + id }
func patientKey(id string) string { return "PATIENT_" + id }
func proposalKey(id uint) string { return "PROPOSAL_" + strconv.FormatUint(uint64(id), 10) }
func voteKey(id uint, voter string) string {
	return "VOTE_" + strconv.FormatUint(uint64(id), 10) + "_" + voter
}

func decode(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode payload: %v", err)
	}
	return nil
}

func lookup(state State, key string, out any) (bool, error) {
	raw, err := state.GetState(key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %v", key, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}
	return true, nil
}

func read(state State, key string, out any) error {
	found, err := lookup(state, key, out)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s does not exist", key)
	}
	return nil
}

func readRaw(state State, key, what string) ([]byte, error) {
	raw, err := state.GetState(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", what, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s does not exist", what)
	}
	return raw, nil
}

func write(state State, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	return state.PutState(key, raw)
}
