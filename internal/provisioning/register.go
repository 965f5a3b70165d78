package provisioning

import (
	"context"
	"fmt"
	"strconv"

	"github.com/router-for-me/keyledger/internal/ledger"
	"github.com/router-for-me/keyledger/internal/tiers"
	log "github.com/sirupsen/logrus"
)

// Registration is the outcome of Register.
type Registration struct {
	// Registered is false when the user was already known.
	Registered bool    `json:"registered"`
	Trial      *Result `json:"trial,omitempty"`
}

// Register records a first-time user and issues the free trial key.
// A trial failure leaves the user registered and is returned alongside Registered=true.
func (s *Service) Register(ctx context.Context, userID int64, username string) (Registration, error) {
	v, err, _ := s.group.Do("register:"+strconv.FormatInt(userID, 10), func() (any, error) {
		return s.register(ctx, userID, username)
	})
	reg, _ := v.(Registration)
	return reg, err
}

func (s *Service) register(ctx context.Context, userID int64, username string) (Registration, error) {
	known, err := s.ledger.HasUser(ctx, userID)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	if known {
		return Registration{Registered: false}, nil
	}
	if err := s.ledger.AppendUser(ctx, userID); err != nil {
		return Registration{}, fmt.Errorf("%w: %v", ErrLedger, err)
	}

	res, err := s.issue(ctx, issueRequest{
		userID:  userID,
		tier:    tiers.Trial,
		prefix:  tiers.TrialPrefix,
		logName: "trial",
	})
	s.metrics.ObserveProvision("trial", outcome(err))
	if err != nil {
		return Registration{Registered: true}, err
	}

	profile := ledger.UserProfile{
		UserID:       userID,
		Username:     username,
		RegisteredAt: s.now(),
		AccessURL:    res.AccessURL,
		Tier:         tiers.TrialProfileTier,
	}
	if errProfile := s.ledger.AppendProfile(context.WithoutCancel(ctx), profile); errProfile != nil {
		log.WithError(errProfile).WithField("user_id", userID).Error("provisioning: append profile failed")
	}
	return Registration{Registered: true, Trial: &res}, nil
}
