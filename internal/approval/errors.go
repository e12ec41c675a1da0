package approval

import (
	"errors"
	"fmt"

	"github.com/ppiankov/shellgate/internal/model"
)

// ErrPolicyDenied matches every *DeniedError through errors.Is.
var ErrPolicyDenied = errors.New("policy denied")

// DeniedError is returned when a command is rejected by the deny list,
// hook, judge, policy or the user.
type DeniedError struct {
	Command string
	Risk    model.RiskLevel
	Method  string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("command denied (%s, %s): %s", e.Risk, e.Method, e.Reason)
}

// Is makes errors.Is(err, ErrPolicyDenied) true.
func (e *DeniedError) Is(target error) bool { return target == ErrPolicyDenied }
