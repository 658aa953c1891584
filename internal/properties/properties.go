// Package properties holds the environment-backed settings and the viper
// configuration of the anomaly pipelines.
package properties

import "os"

func RootPath() string {
	return os.Getenv("ROOT_PATH")
}

func DiscordErrorNotificationUrl() string {
	return os.Getenv("DISCORD_ERROR_NOTIFICATION_URL")
}

func DiscordWarningNotificationUrl() string {
	return os.Getenv("DISCORD_WARNING_NOTIFICATION_URL")
}

func DiscordSuccessNotificationUrl() string {
	return os.Getenv("DISCORD_SUCCESS_NOTIFICATION_URL")
}
