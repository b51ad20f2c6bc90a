package metrics

import (
	"context"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "gainscan/config"
	"gainscan/logger"
)

type metricPublisher interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type cloudWatchState struct {
	client    metricPublisher
	namespace string
	region    string
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch enables publishing when metrics.cloudwatch.enabled is set.
// Failure to build a client leaves publishing disabled.
func InitCloudWatch(ctx context.Context, cfg appconfig.CloudWatchConfig, log *logger.Log) {
	if !cfg.Enabled {
		return
	}
	if log == nil {
		log = logger.GetLogger()
	}
	l := log.WithComponent("cloudwatch")

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		l.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "GainScan"
	}
	if awsCfg.Region != "" {
		region = awsCfg.Region
	}
	cwState.Store(&cloudWatchState{
		client:    cloudwatch.NewFromConfig(awsCfg),
		namespace: namespace,
		region:    region,
	})

	l.WithFields(logger.Fields{
		"region":    region,
		"namespace": namespace,
	}).Info("initialized CloudWatch client")
}

// EmitMetric records the metric locally and publishes it when CloudWatch is
// enabled. A "unit" field of count, seconds or percent selects the unit.
func EmitMetric(ctx context.Context, log *logger.Log, component, name string, value float64, metricType string, fields logger.Fields) {
	metric, ok := recordMetric(log, component, name, value, metricType, fields)
	if !ok {
		return
	}
	publishMetricDatum(ctx, metric)
}

func publishMetricDatum(ctx context.Context, metric Metric) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	unit := cwtypes.StandardUnitCount
	if raw, ok := metric.Fields["unit"].(string); ok {
		if parsed, found := metricUnitFromString(raw); found {
			unit = parsed
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for k, v := range metric.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Timestamp:  aws.Time(metric.Timestamp),
		Unit:       unit,
		Value:      aws.Float64(metric.Value),
	}}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).WithFields(logger.Fields{
			"metric": metric.Name,
		}).Warn("failed to publish CloudWatch metric")
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "seconds":
		return cwtypes.StandardUnitSeconds, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
