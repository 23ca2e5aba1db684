package corrections

import "github.com/den1s0v/vstu-schedule/internal/model"

// MatchContext tests an observed context against a candidate's requirements
// and accumulates the weight of every satisfied requirement.
//
// Requirements are walked in order. A requirement whose key is absent from
// the observation fails the whole match unless it allows absence. A value
// match adds the requirement's weight to the score. A value mismatch fails
// the match only when the requirement is important; unimportant mismatches
// are skipped without scoring.
//
// Duplicate keys are permitted on both sides; lookup uses the first observed
// element with the key, so input order is significant. The score accumulated
// up to the failing requirement is returned even when the match fails.
func MatchContext(observed, required []model.ContextElement) (bool, float64) {
	score := 0.0
	for _, req := range required {
		elem, ok := firstByKey(observed, req.Key)
		if !ok {
			if req.AbsenceAllowed {
				continue
			}
			return false, score
		}
		if elem.Value == req.Value {
			score += req.Weight
			continue
		}
		if req.Important {
			return false, score
		}
	}
	return true, score
}

func firstByKey(elems []model.ContextElement, key string) (model.ContextElement, bool) {
	for _, e := range elems {
		if e.Key == key {
			return e, true
		}
	}
	return model.ContextElement{}, false
}
