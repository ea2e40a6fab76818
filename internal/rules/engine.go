// Package rules evaluates user-defined block/transform rules against a
// candidate transaction and its source SMS text.
//
// Evaluation is two-phase: ShouldBlock finds the first blocking rule (the
// caller must short-circuit the save), then Evaluate applies all matching
// transform rules in priority order, each mutation visible to later rules.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
)

//go:embed rules.yaml
var embeddedRules []byte

// Sort orders rules for evaluation: priority descending, then ID ascending
// so rules with equal priority keep their creation order.
func Sort(rules []domain.Rule) []domain.Rule {
	sorted := make([]domain.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// ShouldBlock returns the first active blocking rule matching the
// transaction, or nil. A hit means the entire save must be abandoned.
func ShouldBlock(tx *domain.Transaction, smsBody string, rules []domain.Rule) *domain.Rule {
	for _, rule := range Sort(rules) {
		if !rule.Active || !rule.Blocks() {
			continue
		}
		if Matches(&rule, tx, smsBody) {
			matched := rule
			return &matched
		}
	}
	return nil
}

// Evaluate applies all matching active transform rules in order, mutating tx
// in place. Later rules see the output of earlier ones: a rename can make a
// subsequent merchant-pattern rule match (or stop matching). Returns the
// audit records; their TransactionID is filled in by the caller after the
// transaction is persisted.
func Evaluate(tx *domain.Transaction, smsBody string, rules []domain.Rule) []domain.RuleApplication {
	var applied []domain.RuleApplication

	for _, rule := range Sort(rules) {
		if !rule.Active || rule.Blocks() {
			continue
		}
		if !Matches(&rule, tx, smsBody) {
			continue
		}

		switch rule.Action {
		case domain.RuleActionSetCategory:
			tx.Category = rule.ActionValue
		case domain.RuleActionRenameMerchant:
			tx.Merchant = rule.ActionValue
		case domain.RuleActionMarkRecurring:
			tx.Recurring = true
		}

		applied = append(applied, domain.RuleApplication{
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			AppliedAt: time.Now().UTC(),
		})
	}

	return applied
}

// Matches reports whether every condition of the rule holds for the
// transaction and its source SMS. Empty conditions match anything.
func Matches(rule *domain.Rule, tx *domain.Transaction, smsBody string) bool {
	if rule.Direction != "" && rule.Direction != tx.Direction {
		return false
	}

	if rule.MerchantPattern != "" {
		merchant := strings.ToLower(strings.TrimSpace(tx.Merchant))
		pattern := strings.ToLower(strings.TrimSpace(rule.MerchantPattern))
		switch rule.MerchantMatch {
		case domain.MatchTypeExact:
			if merchant != pattern {
				return false
			}
		default:
			if !strings.Contains(merchant, pattern) {
				return false
			}
		}
	}

	if rule.BodyPattern != "" {
		if !strings.Contains(strings.ToLower(smsBody), strings.ToLower(rule.BodyPattern)) {
			return false
		}
	}

	return amountMatches(rule, tx.Amount)
}

func amountMatches(rule *domain.Rule, amount decimal.Decimal) bool {
	if rule.AmountCondition == "" || rule.AmountCondition == domain.AmountAny {
		return true
	}
	if rule.AmountValue == nil {
		return false
	}
	value := *rule.AmountValue

	switch rule.AmountCondition {
	case domain.AmountLessThan:
		return amount.LessThan(value)
	case domain.AmountLessEqual:
		return amount.LessThanOrEqual(value)
	case domain.AmountEqual:
		return amount.Equal(value)
	case domain.AmountGreaterEqual:
		return amount.GreaterThanOrEqual(value)
	case domain.AmountGreaterThan:
		return amount.GreaterThan(value)
	case domain.AmountBetween:
		if rule.AmountMax == nil {
			return false
		}
		return amount.GreaterThanOrEqual(value) && amount.LessThanOrEqual(*rule.AmountMax)
	default:
		return false
	}
}

// yamlRule is the YAML representation of a rule, used for seed files.
type yamlRule struct {
	Name            string  `yaml:"name"`
	Priority        int     `yaml:"priority"`
	Direction       string  `yaml:"direction"`
	MerchantPattern string  `yaml:"merchant_pattern"`
	MerchantMatch   string  `yaml:"merchant_match"`
	BodyPattern     string  `yaml:"body_pattern"`
	AmountCondition string  `yaml:"amount_condition"`
	AmountValue     *string `yaml:"amount_value"`
	AmountMax       *string `yaml:"amount_max"`
	Action          string  `yaml:"action"`
	ActionValue     string  `yaml:"action_value"`
}

type yamlRuleSet struct {
	Rules []yamlRule `yaml:"rules"`
}

// Load parses and validates a YAML rule set.
func Load(data []byte) ([]domain.Rule, error) {
	var set yamlRuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rules (check syntax, indentation, and field names): %w", err)
	}

	rules := make([]domain.Rule, 0, len(set.Rules))
	for i, yr := range set.Rules {
		rule := domain.Rule{
			Name:            yr.Name,
			Priority:        yr.Priority,
			Active:          true,
			Direction:       domain.Direction(yr.Direction),
			MerchantPattern: yr.MerchantPattern,
			MerchantMatch:   domain.MatchType(yr.MerchantMatch),
			BodyPattern:     yr.BodyPattern,
			AmountCondition: domain.AmountCondition(yr.AmountCondition),
			Action:          domain.RuleAction(yr.Action),
			ActionValue:     yr.ActionValue,
		}
		if rule.MerchantMatch == "" {
			rule.MerchantMatch = domain.MatchTypeContains
		}
		if rule.AmountCondition == "" {
			rule.AmountCondition = domain.AmountAny
		}
		if yr.AmountValue != nil {
			v, err := decimal.NewFromString(*yr.AmountValue)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): invalid amount_value %q: %w", i, yr.Name, *yr.AmountValue, err)
			}
			rule.AmountValue = &v
		}
		if yr.AmountMax != nil {
			v, err := decimal.NewFromString(*yr.AmountMax)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): invalid amount_max %q: %w", i, yr.Name, *yr.AmountMax, err)
			}
			rule.AmountMax = &v
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// LoadEmbedded loads the built-in default rule set.
func LoadEmbedded() ([]domain.Rule, error) {
	rules, err := Load(embeddedRules)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded rules (possible binary corruption): %w", err)
	}
	return rules, nil
}

// LoadFromFile loads a rule set from a filesystem path.
func LoadFromFile(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from %q: %w", path, err)
	}
	return rules, nil
}
