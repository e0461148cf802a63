package strategy

import (
	"strings"
	"testing"
)

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		program string
		wantErr string
	}{
		{"empty program", "", "no rules"},
		{"comment only", "# just a comment\n\n", "no rules"},
		{"missing when", "candidate.change_pct > 5 then buy_to_long qty=1", "must start with 'when'"},
		{"missing then", "when candidate.change_pct > 5 buy_to_long qty=1", "expected 'then'"},
		{"missing qty", "when candidate.change_pct > 5 then buy_to_long", "missing qty="},
		{"unknown option", "when 1 > 0 then buy_to_long qty=1 foo=2", "unknown option"},
		{"bang operator", "when !candidate.change_pct then buy_to_long qty=1", "use 'not'"},
		{"unterminated string", `when 1 > 0 then buy_to_long qty=1 why="oops`, "unterminated string"},
		{"unclosed paren", "when (candidate.change_pct > 5 then buy_to_long qty=1", "closing parenthesis"},
		{"why without quotes", "when 1 > 0 then buy_to_long qty=1 why=hello", "quoted string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.program)
			if err == nil {
				t.Fatalf("Compile(%q) succeeded, want error containing %q", tt.program, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestCompileReportsLineNumber(t *testing.T) {
	program := "when candidate.change_pct > 5 then buy_to_long qty=1\nwhen broken"
	_, err := Compile(program)
	if err == nil {
		t.Fatal("expected error for malformed second line")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error = %v, want line 2 reference", err)
	}
}

func TestExpressionEval(t *testing.T) {
	env := MapEnv{
		"candidate.change_pct":   8.5,
		"candidate.last_price":   100,
		"candidate.base_volume":  2000000,
		"account.open_positions": 2,
		"account.max_positions":  5,
	}

	tests := []struct {
		name string
		cond string
		want bool
	}{
		{"simple greater", "candidate.change_pct > 5", true},
		{"simple less", "candidate.change_pct < 5", false},
		{"equality", "account.open_positions == 2", true},
		{"inequality", "account.open_positions != 2", false},
		{"and true", "candidate.change_pct > 5 and account.open_positions < account.max_positions", true},
		{"and false", "candidate.change_pct > 5 and account.open_positions > 10", false},
		{"or rescues", "candidate.change_pct > 100 or candidate.base_volume >= 2000000", true},
		{"not", "not (candidate.change_pct > 100)", true},
		{"arithmetic in comparison", "candidate.last_price * 1.05 > 100", true},
		{"precedence mul over add", "1 + 2 * 3 == 7", true},
		{"parens override", "(1 + 2) * 3 == 9", true},
		{"unary minus", "-candidate.change_pct < 0", true},
		{"division", "candidate.base_volume / 1000000 >= 2", true},
		{"chained comparison result is boolean", "(candidate.change_pct > 5) == 1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := Compile("when " + tt.cond + " then buy_to_long qty=1")
			if err != nil {
				t.Fatalf("compile failed: %v", err)
			}
			got, err := prog.Rules[0].Condition.eval(env)
			if err != nil {
				t.Fatalf("eval failed: %v", err)
			}
			if (got != 0) != tt.want {
				t.Errorf("eval(%q) = %v, want fired=%v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	env := MapEnv{"candidate.last_price": 100}

	t.Run("unknown field", func(t *testing.T) {
		prog, err := Compile("when candidate.nonexistent > 5 then buy_to_long qty=1")
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		if _, err := prog.Rules[0].Condition.eval(env); err == nil {
			t.Error("expected unknown field error")
		}
	})

	t.Run("division by zero", func(t *testing.T) {
		prog, err := Compile("when candidate.last_price / 0 > 1 then buy_to_long qty=1")
		if err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		if _, err := prog.Rules[0].Condition.eval(env); err == nil {
			t.Error("expected division by zero error")
		}
	})
}

func TestShortCircuit(t *testing.T) {
	// The right side references an unknown field; short-circuiting must
	// keep it from being evaluated.
	env := MapEnv{"candidate.change_pct": 1}

	prog, err := Compile("when candidate.change_pct < 0 and candidate.missing > 5 then buy_to_long qty=1")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	got, err := prog.Rules[0].Condition.eval(env)
	if err != nil {
		t.Fatalf("short-circuit and still evaluated right side: %v", err)
	}
	if got != 0 {
		t.Errorf("condition = %v, want 0", got)
	}

	prog, err = Compile("when candidate.change_pct > 0 or candidate.missing > 5 then buy_to_long qty=1")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	got, err = prog.Rules[0].Condition.eval(env)
	if err != nil {
		t.Fatalf("short-circuit or still evaluated right side: %v", err)
	}
	if got == 0 {
		t.Errorf("condition = %v, want fired", got)
	}
}

func TestRuleOptions(t *testing.T) {
	program := `when candidate.change_pct > 5 then buy_to_long qty=candidate.base_volume / 1000000 leverage=10 stop=candidate.last_price * 0.95 why="momentum entry"`
	prog, err := Compile(program)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	rule := prog.Rules[0]
	if rule.Signal != "buy_to_long" {
		t.Errorf("signal = %q", rule.Signal)
	}
	if rule.Justification != "momentum entry" {
		t.Errorf("justification = %q", rule.Justification)
	}
	if rule.Leverage == nil || rule.Stop == nil {
		t.Fatal("leverage/stop options not parsed")
	}

	env := MapEnv{
		"candidate.change_pct":  8,
		"candidate.last_price":  200,
		"candidate.base_volume": 3000000,
	}
	qty, err := rule.Quantity.eval(env)
	if err != nil {
		t.Fatalf("qty eval failed: %v", err)
	}
	if qty != 3 {
		t.Errorf("qty = %v, want 3", qty)
	}
	stop, err := rule.Stop.eval(env)
	if err != nil {
		t.Fatalf("stop eval failed: %v", err)
	}
	if stop != 190 {
		t.Errorf("stop = %v, want 190", stop)
	}
}
