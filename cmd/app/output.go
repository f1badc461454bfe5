package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atvirokodosprendimai/organledger/internal/application"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func printJSON(v any) error {
	b, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printKV(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	_ = w.Flush()
}

func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func uintToString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func formatMaybe(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func printRecipients(items []domain.Recipient) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.RecipientID,
			string(item.OrganType),
			string(item.BloodType),
			strconv.Itoa(item.UrgencyLevel),
			strconv.Itoa(item.MedicalScore),
			strconv.FormatBool(item.Active),
			formatMaybe(item.MatchedOrganID),
			formatTime(item.RegisteredAt),
		})
	}
	printTable([]string{"ID", "ORGAN", "BLOOD", "URGENCY", "MEDICAL", "ACTIVE", "MATCHED_ORGAN", "REGISTERED_AT"}, rows)
}

func printRecipient(item domain.Recipient) {
	printKV([][2]string{
		{"recipient_id", item.RecipientID},
		{"full_name", item.FullName},
		{"organ_type", string(item.OrganType)},
		{"blood_type", string(item.BloodType)},
		{"urgency_level", strconv.Itoa(item.UrgencyLevel)},
		{"medical_score", strconv.Itoa(item.MedicalScore)},
		{"active", strconv.FormatBool(item.Active)},
		{"matched_organ", formatMaybe(item.MatchedOrganID)},
		{"ledger_tx", item.LedgerTxID},
	})
	if len(item.UrgencyHistory) > 0 {
		rows := make([][]string, 0, len(item.UrgencyHistory))
		for _, h := range item.UrgencyHistory {
			rows = append(rows, []string{strconv.Itoa(h.OldLevel), strconv.Itoa(h.NewLevel), h.ChangedBy, h.Reason, formatTime(h.ChangedAt)})
		}
		fmt.Println()
		printTable([]string{"FROM", "TO", "BY", "REASON", "AT"}, rows)
	}
}

func printOrgans(items []domain.Organ) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.OrganID,
			string(item.OrganType),
			string(item.BloodType),
			string(item.Status),
			formatMaybe(item.AllocatedTo),
			formatTime(item.ExpiresAt),
		})
	}
	printTable([]string{"ID", "TYPE", "BLOOD", "STATUS", "ALLOCATED_TO", "EXPIRES_AT"}, rows)
}

func printOrgan(item domain.Organ) {
	printKV([][2]string{
		{"organ_id", item.OrganID},
		{"organ_type", string(item.OrganType)},
		{"blood_type", string(item.BloodType)},
		{"status", string(item.Status)},
		{"allocated_to", formatMaybe(item.AllocatedTo)},
		{"harvested_at", formatTime(item.HarvestedAt)},
		{"expires_at", formatTime(item.ExpiresAt)},
		{"ledger_tx", item.LedgerTxID},
	})
}

func printMatches(items []domain.Match) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.OrganID,
			item.RecipientID,
			strconv.Itoa(item.Score.Total),
			string(item.Status),
			formatTime(item.CreatedAt),
		})
	}
	printTable([]string{"ID", "ORGAN", "RECIPIENT", "SCORE", "STATUS", "CREATED_AT"}, rows)
}

func printAutoMatch(item application.AutoMatchResult) {
	if !item.Matched {
		printKV([][2]string{{"organ_id", item.OrganID}, {"matched", "false"}, {"reason", item.Reason}})
		return
	}
	printKV([][2]string{
		{"organ_id", item.OrganID},
		{"matched", "true"},
		{"match_id", item.Match.ID},
		{"recipient_id", item.Match.RecipientID},
		{"score", strconv.Itoa(item.Match.Score.Total)},
		{"appointment_id", item.Appointment.ID},
		{"scheduled_at", formatTime(item.Appointment.ScheduledAt)},
	})
}

func printBatch(item application.BatchResult) {
	printKV([][2]string{
		{"total", strconv.Itoa(item.Total)},
		{"matched", strconv.Itoa(item.Matched)},
		{"unmatched", strconv.Itoa(item.Unmatched)},
		{"failed", strconv.Itoa(item.Failed)},
	})
	if len(item.Results) == 0 {
		return
	}
	rows := make([][]string, 0, len(item.Results))
	for _, r := range item.Results {
		note := r.Reason
		if r.Error != "" {
			note = r.Error
		}
		rows = append(rows, []string{r.OrganID, strconv.FormatBool(r.Matched), r.MatchID, note})
	}
	fmt.Println()
	printTable([]string{"ORGAN", "MATCHED", "MATCH_ID", "NOTE"}, rows)
}

func printProposals(items []domain.Proposal) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			uintToString(item.ID),
			string(item.Type),
			string(item.Urgency),
			string(item.Status),
			fmt.Sprintf("%d/%d/%d", item.VotesFor, item.VotesAgainst, item.VotesAbstain),
			formatTime(item.VotingDeadline),
			item.CreatedBy,
		})
	}
	printTable([]string{"ID", "TYPE", "URGENCY", "STATUS", "FOR/AGAINST/ABSTAIN", "DEADLINE", "CREATED_BY"}, rows)
}

func printProposal(item domain.Proposal) {
	rows := [][2]string{
		{"id", uintToString(item.ID)},
		{"type", string(item.Type)},
		{"urgency", string(item.Urgency)},
		{"status", string(item.Status)},
	}
	if item.TargetRecipientID != "" {
		rows = append(rows, [2]string{"target_recipient", item.TargetRecipientID})
	}
	if item.ParameterName != "" {
		rows = append(rows, [2]string{"parameter", fmt.Sprintf("%s: %s -> %s", item.ParameterName, item.CurrentValue, item.ProposedValue)})
	}
	rows = append(rows,
		[2]string{"votes", fmt.Sprintf("for %d, against %d, abstain %d of %d", item.VotesFor, item.VotesAgainst, item.VotesAbstain, item.TotalVotingPower)},
		[2]string{"quorum", fmt.Sprintf("%d%%", item.QuorumRequired)},
		[2]string{"threshold", fmt.Sprintf("%d%%", item.ApprovalThreshold)},
		[2]string{"deadline", formatTime(item.VotingDeadline)},
		[2]string{"created_by", item.CreatedBy},
		[2]string{"ledger_tx", item.LedgerTxID},
	)
	printKV(rows)
}

func printFinalize(item application.FinalizeResult) {
	printKV([][2]string{
		{"proposal", uintToString(item.Proposal.ID)},
		{"status", string(item.Status)},
		{"participation", fmt.Sprintf("%.1f%%", item.ParticipationRate)},
		{"approval", fmt.Sprintf("%.1f%%", item.ApprovalRate)},
		{"reason", item.Reason},
	})
}

func printExecution(item application.ExecutionResult) {
	printKV([][2]string{
		{"proposal", uintToString(item.Proposal.ID)},
		{"status", string(item.Proposal.Status)},
		{"action_tx", item.ActionTxID},
		{"execution_tx", item.ExecutionTxID},
		{"action_skipped", strconv.FormatBool(item.ActionSkipped)},
	})
}

func printVotes(items []domain.Vote) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{item.Voter, string(item.Choice), strconv.Itoa(item.Power), item.Justification, formatTime(item.CastAt)})
	}
	printTable([]string{"VOTER", "CHOICE", "POWER", "JUSTIFICATION", "AT"}, rows)
}

func printMembers(items []domain.Member) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.Identity,
			string(item.Role),
			strconv.Itoa(item.VotingPower),
			strconv.FormatBool(item.Authorized),
			strconv.Itoa(item.ProposalsCreated),
			strconv.Itoa(item.VotesCast),
		})
	}
	printTable([]string{"IDENTITY", "ROLE", "POWER", "AUTHORIZED", "PROPOSALS", "VOTES"}, rows)
}

func printNotifications(items []domain.Notification) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{formatTime(item.CreatedAt), item.Kind, item.Title, item.Body})
	}
	printTable([]string{"AT", "KIND", "TITLE", "BODY"}, rows)
}

func printUsers(items []domain.User) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{uintToString(item.ID), item.Email, formatTime(item.CreatedAt)})
	}
	printTable([]string{"ID", "EMAIL", "CREATED_AT"}, rows)
}

func printRoles(items []domain.Role) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{uintToString(item.ID), item.Key, item.Name})
	}
	printTable([]string{"ID", "KEY", "NAME"}, rows)
}

func printAuditRecords(items []domain.AuditRecord) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		target := item.TargetID
		if target == "" {
			target = "-"
		}
		rows = append(rows, []string{
			uintToString(item.ID),
			item.Action,
			item.TargetType,
			target,
			item.ActorUserEmail,
			formatTime(item.CreatedAt),
		})
	}
	printTable([]string{"ID", "ACTION", "TARGET_TYPE", "TARGET_ID", "ACTOR", "AT"}, rows)
}
