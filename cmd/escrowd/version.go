package main

const appVersion = "0.1.0"

func version() string {
	return "escrowd v" + appVersion
}
