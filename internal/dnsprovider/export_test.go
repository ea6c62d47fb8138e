package dnsprovider

var NewCloudflareWithSolver = newCloudflare

var ApexOf = apexOf
