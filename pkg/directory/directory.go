package directory

import (
	"context"
	"net/http"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/config"
	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/infra"
)

type Patient struct {
	Id             string     `json:"id"`
	Name           string     `json:"name"`
	DateOfBirth    time.Time  `json:"dateOfBirth"`
	Gender         string     `json:"gender"`
	IsPregnant     bool       `json:"isPregnant"`
	PregnancyWeeks int        `json:"pregnancyWeeks"`
	IsDisabled     bool       `json:"isDisabled"`
	LastVisitAt    *time.Time `json:"lastVisitAt"`
}

// AgeAt is the age in whole years on the given day.
func (p *Patient) AgeAt(t time.Time) int {
	if p.DateOfBirth.IsZero() {
		return 0
	}
	age := t.Year() - p.DateOfBirth.Year()
	if t.Month() < p.DateOfBirth.Month() || (t.Month() == p.DateOfBirth.Month() && t.Day() < p.DateOfBirth.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// Directory looks up patient metadata owned by the main API.
type Directory interface {
	Patient(ctx context.Context, profileId string) (*Patient, error)
}

type HttpDirectory struct {
	httpClient *req.Client
	enabled    bool
	logger     *zap.SugaredLogger
}

func ProvideDirectory(httpClient *req.Client, cfg *config.Config, loggerFactory *infra.LoggerFactory) *HttpDirectory {
	return &HttpDirectory{
		httpClient: httpClient,
		enabled:    cfg.MainServerHost != "",
		logger:     loggerFactory.Create("Directory").Sugar(),
	}
}

func (d *HttpDirectory) Patient(ctx context.Context, profileId string) (*Patient, error) {
	if !d.enabled {
		return nil, errs.New(errs.NotFound, "patient directory is not configured")
	}

	result := &struct {
		Data Patient `json:"data"`
	}{}

	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetPathParam("id", profileId).
		SetSuccessResult(result).
		Get("/patient-profiles/{id}")
	if err != nil {
		d.logger.Errorf("request failed profileId[%v] %v", profileId, err)
		return nil, errs.Transient(err, "fetch patient[%v]", profileId)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.New(errs.NotFound, "patient[%v] not found", profileId)
	}
	if resp.IsErrorState() {
		d.logger.Errorf("request failed profileId[%v] status[%v]", profileId, resp.Status)
		return nil, errs.Transient(nil, "fetch patient[%v] status[%v]", profileId, resp.StatusCode)
	}

	d.logger.Debugf("retrieved patient[%+v]", result.Data)
	return &result.Data, nil
}
