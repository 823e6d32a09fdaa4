package inet

import "os"

// GetAWSRegion returns the AWS region to use for the optional cloud backup
// integration. The appliance has no instance metadata service to query, so
// the region always comes from configuration, surfaced here via the
// AWS_REGION environment variable that the daemon sets before constructing
// any AWS client.
func GetAWSRegion() string {
	if region := os.Getenv("AWS_REGION"); region != "" {
		return region
	}
	return "us-east-1"
}
